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
)

const defaultEbooBaseURL = "https://www.eboo.ir/api/ocr/getway"

// EbooClient implements the Eboo gateway protocol: upload the file, start a
// conversion, then poll a status command until it finishes.
type EbooClient struct {
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	PollInterval time.Duration
	PollAttempts int
}

func NewEbooClient(token string) *EbooClient {
	return &EbooClient{
		BaseURL:      defaultEbooBaseURL,
		Token:        token,
		HTTPClient:   &http.Client{Timeout: 15 * time.Minute},
		PollInterval: 2 * time.Second,
		PollAttempts: 60,
	}
}

func (c *EbooClient) Vendor() jobs.Vendor {
	return jobs.VendorEboo
}

func (c *EbooClient) Process(ctx context.Context, filePath string) (string, error) {
	if c.Token == "" {
		return "", newError(c.Vendor(), KindConfig, "EBOO_TOKEN is not configured")
	}
	if !file.Exists(filePath) {
		return "", newError(c.Vendor(), KindInput, fmt.Sprintf("file not found: %s", filePath))
	}

	fileToken, err := c.addFile(ctx, filePath)
	if err != nil {
		return "", err
	}

	if err := c.startConvert(ctx, fileToken); err != nil {
		return "", err
	}

	return c.pollConvert(ctx, fileToken)
}

func (c *EbooClient) addFile(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", wrapError(c.Vendor(), KindInput, "open file", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("token", c.Token); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	if err := mw.WriteField("command", "addfile"); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	fw, err := mw.CreateFormFile("filehandle", filepath.Base(filePath))
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	if err := mw.Close(); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, &body)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "addfile request", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", newError(c.Vendor(), KindVendor, fmt.Sprintf("addfile failed: %s", strings.TrimSpace(string(respBody))))
	}

	var parsed struct {
		FileToken      string `json:"FileToken"`
		FileTokenLower string `json:"filetoken"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", wrapError(c.Vendor(), KindVendor, "parse addfile response", err)
	}
	token := parsed.FileToken
	if token == "" {
		token = parsed.FileTokenLower
	}
	if token == "" {
		return "", newError(c.Vendor(), KindVendor, "addfile: file token missing")
	}
	return token, nil
}

func (c *EbooClient) startConvert(ctx context.Context, fileToken string) error {
	payload := map[string]string{
		"token":     c.Token,
		"command":   "convert",
		"filetoken": fileToken,
		"language":  "fa",
	}
	resp, err := c.postJSON(ctx, payload)
	if err != nil {
		return wrapError(c.Vendor(), KindTransport, "convert request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return newError(c.Vendor(), KindVendor, fmt.Sprintf("convert failed: %s", strings.TrimSpace(string(respBody))))
	}
	return nil
}

func (c *EbooClient) pollConvert(ctx context.Context, fileToken string) (string, error) {
	payload := map[string]string{
		"token":     c.Token,
		"command":   "checkconvert",
		"filetoken": fileToken,
	}

	for attempt := 0; attempt < c.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", wrapError(c.Vendor(), KindTransport, "polling interrupted", ctx.Err())
		case <-time.After(c.PollInterval):
		}

		resp, err := c.postJSON(ctx, payload)
		if err != nil {
			log.Warn("Eboo checkconvert attempt %d failed: %v", attempt+1, err)
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}

		var parsed struct {
			Status string `json:"Status"`
			Output string `json:"Output"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			continue
		}

		switch parsed.Status {
		case "ConvertFinished":
			return strings.TrimSpace(parsed.Output), nil
		case "ConvertFailed", "Error":
			return "", newError(c.Vendor(), KindVendor, fmt.Sprintf("conversion failed with status %s", parsed.Status))
		}
	}

	return "", newError(c.Vendor(), KindTimeout, "polling budget exhausted waiting for conversion")
}

func (c *EbooClient) postJSON(ctx context.Context, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.HTTPClient.Do(req)
}
