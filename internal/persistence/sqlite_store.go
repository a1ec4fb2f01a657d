package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

const jobColumns = `id, user_id, title, source_path, source_url, is_video, vendor, status,
	transcript, summary, error_message, task_handle, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.MediaJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO media_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		job.Title,
		job.SourcePath,
		job.SourceURL,
		boolToInt(job.IsVideo),
		string(job.Vendor),
		string(job.Status),
		job.Transcript,
		job.Summary,
		job.ErrorMessage,
		job.TaskHandle,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*jobs.MediaJob, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM media_jobs WHERE id = ?`,
		id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_jobs WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status jobs.Status) error {
	return s.updateJob(ctx, id, `status = ?`, string(status))
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	return s.updateJob(ctx, id, `status = ?, task_handle = ''`, string(jobs.StatusPending))
}

func (s *SQLiteStore) SetProcessing(ctx context.Context, id string, handle string) error {
	return s.updateJob(ctx, id, `status = ?, task_handle = ?`, string(jobs.StatusProcessing), handle)
}

func (s *SQLiteStore) SetCompleted(ctx context.Context, id string, transcript string) error {
	return s.updateJob(ctx, id, `status = ?, transcript = ?, error_message = ''`, string(jobs.StatusCompleted), transcript)
}

func (s *SQLiteStore) SetSummary(ctx context.Context, id string, summary string) error {
	return s.updateJob(ctx, id, `summary = ?`, summary)
}

func (s *SQLiteStore) SetFailed(ctx context.Context, id string, message string) error {
	return s.updateJob(ctx, id, `status = ?, error_message = ?`, string(jobs.StatusFailed), message)
}

func (s *SQLiteStore) updateJob(ctx context.Context, id string, setClause string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE media_jobs SET `+setClause+`, updated_at = ? WHERE id = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) OldestPending(ctx context.Context, userID string, excludeID string) (*jobs.MediaJob, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM media_jobs
		 WHERE user_id = ? AND status = ? AND id != ?
		 ORDER BY created_at ASC
		 LIMIT 1`,
		userID,
		string(jobs.StatusPending),
		excludeID,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) HasProcessing(ctx context.Context, userID string, excludeID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM media_jobs WHERE user_id = ? AND status = ? AND id != ?`,
		userID,
		string(jobs.StatusProcessing),
		excludeID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) UsersWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT user_id FROM media_jobs WHERE status = ? ORDER BY user_id`,
		string(jobs.StatusPending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		ret = append(ret, userID)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ProcessingWithHandle(ctx context.Context) ([]*jobs.MediaJob, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM media_jobs
		 WHERE status = ? AND task_handle != ''
		 ORDER BY created_at ASC`,
		string(jobs.StatusProcessing),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.MediaJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *jobs.ImportBatch) error {
	if batch == nil {
		return fmt.Errorf("batch is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO import_batches (id, user_id, source_url, status, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.UserID,
		batch.SourceURL,
		string(batch.Status),
		batch.ErrorMessage,
		batch.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*jobs.ImportBatch, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, source_url, status, error_message, created_at
		 FROM import_batches WHERE id = ?`,
		id,
	)
	var batch jobs.ImportBatch
	var status string
	err := row.Scan(&batch.ID, &batch.UserID, &batch.SourceURL, &status, &batch.ErrorMessage, &batch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	batch.Status = jobs.BatchStatus(status)
	return &batch, nil
}

func (s *SQLiteStore) SetBatchStatus(ctx context.Context, id string, status jobs.BatchStatus, errorMessage string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE import_batches SET status = ?, error_message = ? WHERE id = ?`,
		string(status),
		errorMessage,
		id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddItems(ctx context.Context, batchID string, items []*jobs.ImportItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, item := range items {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO import_items (id, batch_id, title, url, is_video, duration, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			batchID,
			item.Title,
			item.URL,
			boolToInt(item.IsVideo),
			item.Duration,
			i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListItems(ctx context.Context, batchID string) ([]*jobs.ImportItem, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, batch_id, title, url, is_video, duration
		 FROM import_items
		 WHERE batch_id = ?
		 ORDER BY position ASC`,
		batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.ImportItem, 0)
	for rows.Next() {
		var item jobs.ImportItem
		var isVideo int
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Title, &item.URL, &isVideo, &item.Duration); err != nil {
			return nil, err
		}
		item.IsVideo = isVideo == 1
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.MediaJob, error) {
	var job jobs.MediaJob
	var isVideo int
	var vendor, status string
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Title,
		&job.SourcePath,
		&job.SourceURL,
		&isVideo,
		&vendor,
		&status,
		&job.Transcript,
		&job.Summary,
		&job.ErrorMessage,
		&job.TaskHandle,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.IsVideo = isVideo == 1
	job.Vendor = jobs.Vendor(vendor)
	job.Status = jobs.Status(status)
	return &job, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
