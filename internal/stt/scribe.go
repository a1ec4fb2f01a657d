package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/pkg/file"
	"github.com/arzhang/goftar/pkg/log"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	defaultScribeStorageURL  = "https://api.metisai.ir/api/v1/storage"
	defaultScribeGenerateURL = "https://api.metisai.ir/api/v2/generate"
)

// ScribeClient implements the Metis generation protocol: upload to object
// storage for a retrievable URL, submit an STT generation referencing it,
// then poll the generation resource.
type ScribeClient struct {
	StorageURL   string
	GenerateURL  string
	Token        string
	HTTPClient   *http.Client
	PollInterval time.Duration
	PollAttempts int
	// SettleDelay gives storage a moment to make the uploaded object
	// retrievable before the generation request references it.
	SettleDelay time.Duration
}

func NewScribeClient(token string) *ScribeClient {
	return &ScribeClient{
		StorageURL:   defaultScribeStorageURL,
		GenerateURL:  defaultScribeGenerateURL,
		Token:        token,
		HTTPClient:   &http.Client{Timeout: 15 * time.Minute},
		PollInterval: 5 * time.Second,
		PollAttempts: 60,
		SettleDelay:  2 * time.Second,
	}
}

func (c *ScribeClient) Vendor() jobs.Vendor {
	return jobs.VendorScribe
}

func (c *ScribeClient) Process(ctx context.Context, filePath string) (string, error) {
	if c.Token == "" {
		return "", newError(c.Vendor(), KindConfig, "SCRIBE_TOKEN is not configured")
	}
	if !file.Exists(filePath) {
		return "", newError(c.Vendor(), KindInput, fmt.Sprintf("file not found: %s", filePath))
	}

	audioURL, err := c.upload(ctx, filePath)
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", wrapError(c.Vendor(), KindTransport, "interrupted after upload", ctx.Err())
	case <-time.After(c.SettleDelay):
	}

	taskID, err := c.startGeneration(ctx, audioURL)
	if err != nil {
		return "", err
	}

	return c.pollGeneration(ctx, taskID)
}

func (c *ScribeClient) upload(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", wrapError(c.Vendor(), KindInput, "open file", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("files", filepath.Base(filePath))
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	if err := mw.Close(); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.StorageURL, &body)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	log.Debug("Scribe uploading file: %s", filePath)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "upload request", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", newError(c.Vendor(), KindVendor, fmt.Sprintf("upload failed: %s", strings.TrimSpace(string(respBody))))
	}

	var parsed struct {
		Files []struct {
			URL string `json:"url"`
		} `json:"files"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", wrapError(c.Vendor(), KindVendor, "parse upload response", err)
	}
	if len(parsed.Files) == 0 || parsed.Files[0].URL == "" {
		return "", newError(c.Vendor(), KindVendor, "upload response carries no file URL")
	}
	return parsed.Files[0].URL, nil
}

func (c *ScribeClient) startGeneration(ctx context.Context, audioURL string) (string, error) {
	// The gateway's STT argument name has changed across versions; send the
	// URL under every known alias.
	payload := map[string]any{
		"model": map[string]string{
			"name":  "elevenlabs",
			"model": "scribe_v1",
		},
		"operation": "STT",
		"args": map[string]string{
			"url":       audioURL,
			"audio_url": audioURL,
			"file":      audioURL,
			"audio":     audioURL,
			"source":    audioURL,
			"file_url":  audioURL,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build generate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GenerateURL, bytes.NewReader(data))
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build generate request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "generate request", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", newError(c.Vendor(), KindVendor, fmt.Sprintf("generate failed: %s", strings.TrimSpace(string(respBody))))
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", wrapError(c.Vendor(), KindVendor, "parse generate response", err)
	}
	if parsed.ID == "" {
		return "", newError(c.Vendor(), KindVendor, "generate response carries no task id")
	}
	log.Debug("Scribe generation started: %s", parsed.ID)
	return parsed.ID, nil
}

type scribeGeneration struct {
	Content string `json:"content"`
	Text    string `json:"text"`
	URL     string `json:"url"`
}

func (c *ScribeClient) pollGeneration(ctx context.Context, taskID string) (string, error) {
	pollURL := fmt.Sprintf("%s/%s", c.GenerateURL, taskID)

	for attempt := 0; attempt < c.PollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return "", wrapError(c.Vendor(), KindTransport, "build poll request", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			log.Warn("Scribe poll attempt %d failed: %v", attempt+1, err)
		} else {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				var parsed struct {
					Status      string             `json:"status"`
					Generations []scribeGeneration `json:"generations"`
				}
				if err := json.Unmarshal(respBody, &parsed); err == nil {
					switch parsed.Status {
					case "COMPLETED":
						return c.extractResult(ctx, parsed.Generations)
					case "ERROR":
						return "", newError(c.Vendor(), KindVendor, "generation task reported ERROR")
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", wrapError(c.Vendor(), KindTransport, "polling interrupted", ctx.Err())
		case <-time.After(c.PollInterval):
		}
	}

	return "", newError(c.Vendor(), KindTimeout, "polling budget exhausted waiting for generation")
}

// extractResult pulls text out of a completed generation: inline content
// first, then a downloadable artifact. Completed-but-empty is a vendor error,
// distinct from still-running or errored.
func (c *ScribeClient) extractResult(ctx context.Context, generations []scribeGeneration) (string, error) {
	if len(generations) == 0 {
		return "", newError(c.Vendor(), KindVendor, "generation completed without results")
	}

	first := generations[0]
	text := first.Content
	if text == "" {
		text = first.Text
	}
	if text == "" && first.URL != "" {
		downloaded, err := c.downloadArtifact(ctx, first.URL)
		if err != nil {
			return "", err
		}
		text = downloaded
	}
	if strings.TrimSpace(text) == "" {
		return "", newError(c.Vendor(), KindVendor, "generation completed with empty content")
	}
	return text, nil
}

func (c *ScribeClient) downloadArtifact(ctx context.Context, url string) (string, error) {
	log.Debug("Scribe result is a file link, downloading from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build artifact request", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "download result artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", newError(c.Vendor(), KindVendor, fmt.Sprintf("artifact download failed with status %d", resp.StatusCode))
	}

	// Artifacts are UTF-8 text, sometimes with a BOM and surrounding quotes.
	decoder := unicode.UTF8BOM.NewDecoder()
	data, err := io.ReadAll(transform.NewReader(resp.Body, decoder))
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "read result artifact", err)
	}
	return strings.Trim(strings.TrimSpace(string(data)), `"`), nil
}
