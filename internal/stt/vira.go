package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/pkg/file"
)

const defaultViraBaseURL = "https://partai.gw.isahab.ir/avanegar/v2/avanegar/request"

// ViraClient implements the Avanegar protocol: one synchronous multipart
// request, the transcript arrives in the response body.
type ViraClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewViraClient(token string) *ViraClient {
	return &ViraClient{
		BaseURL:    defaultViraBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *ViraClient) Vendor() jobs.Vendor {
	return jobs.VendorVira
}

func (c *ViraClient) Process(ctx context.Context, filePath string) (string, error) {
	if c.Token == "" {
		return "", newError(c.Vendor(), KindConfig, "VIRA_TOKEN is not configured")
	}
	if !file.Exists(filePath) {
		return "", newError(c.Vendor(), KindInput, fmt.Sprintf("file not found: %s", filePath))
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", wrapError(c.Vendor(), KindInput, "open file", err)
	}
	defer f.Close()

	filename := filepath.Base(filePath)
	mimeType := "audio/wav"
	modelType := "default"
	if strings.HasSuffix(strings.ToLower(filename), ".mp3") {
		mimeType = "audio/mpeg"
		modelType = "telephony"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"model":             modelType,
		"srt":               "false",
		"inverseNormalizer": "false",
		"timestamp":         "false",
		"spokenPunctuation": "false",
		"punctuation":       "true",
		"numSpeakers":       "0",
		"diarize":           "true",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", wrapError(c.Vendor(), KindTransport, "build request", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filename))
	header.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(header)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build request", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build request", err)
	}
	if err := mw.Close(); err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, &body)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "build request", err)
	}
	req.Header.Set("gateway-token", c.Token)
	req.Header.Set("accept", "application/json")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", wrapError(c.Vendor(), KindTransport, "transcription request", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", newError(c.Vendor(), KindVendor, fmt.Sprintf("request failed: %s", strings.TrimSpace(string(respBody))))
	}

	return parseViraResponse(c.Vendor(), respBody)
}

// parseViraResponse extracts the transcript from the nested response
// envelope. The primary field is data.data.aiResponse.result.text; when it is
// absent the labeled segments are concatenated instead.
func parseViraResponse(vendor jobs.Vendor, respBody []byte) (string, error) {
	var parsed struct {
		Data struct {
			Data struct {
				AIResponse struct {
					Result struct {
						Text string `json:"text"`
					} `json:"result"`
					Segments []struct {
						Text string `json:"text"`
					} `json:"segments"`
					Text string `json:"text"`
				} `json:"aiResponse"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", wrapError(vendor, KindVendor, "parse response", err)
	}

	ai := parsed.Data.Data.AIResponse
	if ai.Result.Text != "" {
		return ai.Result.Text, nil
	}

	if len(ai.Segments) > 0 {
		parts := make([]string, 0, len(ai.Segments))
		for _, seg := range ai.Segments {
			if seg.Text != "" {
				parts = append(parts, seg.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " "), nil
		}
	}

	return ai.Text, nil
}
