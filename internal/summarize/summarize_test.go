package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/arzhang/goftar/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedChat struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newLLMServer(t *testing.T, reply string, captured *capturedChat) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "gen-1",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
}

func testConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:      "key",
		APIURL:      url,
		Model:       "openai/gpt-4o-mini",
		MaxTokens:   512,
		Temperature: 0.3,
		Timeout:     5,
	}
}

func TestSummarizer_PersianTranscriptGetsPersianPrompt(t *testing.T) {
	var captured capturedChat
	srv := newLLMServer(t, "خلاصه‌ی جلسه", &captured)
	defer srv.Close()

	s := New(testConfig(srv.URL))
	require.True(t, s.Enabled())

	transcript := strings.Repeat("امروز درباره‌ی برنامه‌ریزی پروژه صحبت کردیم و وظایف را تقسیم کردیم. ", 5)
	summary, err := s.Summarize(context.Background(), transcript)
	require.NoError(t, err)
	assert.Equal(t, "خلاصه‌ی جلسه", summary)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content, "فارسی")
}

func TestSummarizer_EnglishFallbackPrompt(t *testing.T) {
	var captured capturedChat
	srv := newLLMServer(t, "A short meeting summary.", &captured)
	defer srv.Close()

	s := New(testConfig(srv.URL))

	transcript := strings.Repeat("Today we discussed the project roadmap and assigned the remaining tasks. ", 5)
	summary, err := s.Summarize(context.Background(), transcript)
	require.NoError(t, err)
	assert.Equal(t, "A short meeting summary.", summary)

	require.Len(t, captured.Messages, 2)
	assert.Contains(t, captured.Messages[0].Content, "summarization assistant")
}

func TestSummarizer_DisabledWithoutAPIKey(t *testing.T) {
	s := New(config.LLMConfig{})
	assert.False(t, s.Enabled())

	_, err := s.Summarize(context.Background(), "some transcript")
	require.Error(t, err)
}

func TestSummarizer_EmptyTranscript(t *testing.T) {
	srv := newLLMServer(t, "unused", &capturedChat{})
	defer srv.Close()

	s := New(testConfig(srv.URL))
	_, err := s.Summarize(context.Background(), "   \n ")
	require.Error(t, err)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	persian := "سلام دنیا" // multi-byte throughout

	tests := []struct {
		name  string
		input string
		max   int
	}{
		{"ascii at limit", "hello world", 5},
		{"shorter than limit", "hi", 10},
		{"persian mid-rune cut", persian, 7},
		{"persian at rune edge", persian, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.max)
			assert.LessOrEqual(t, len(got), tt.max)
			assert.True(t, utf8.ValidString(got))
			assert.True(t, strings.HasPrefix(tt.input, got))
		})
	}
}

func TestSummarizer_LongPersianTranscriptStaysValidUTF8(t *testing.T) {
	var captured capturedChat
	srv := newLLMServer(t, "خلاصه", &captured)
	defer srv.Close()

	s := New(testConfig(srv.URL))

	// Well past the truncation cap, so the cut almost certainly lands inside
	// a multi-byte character without boundary handling.
	transcript := strings.Repeat("گزارش هفتگی تیم درباره‌ی پیشرفت پروژه و برنامه‌ی هفته‌ی بعد. ", 2000)
	_, err := s.Summarize(context.Background(), transcript)
	require.NoError(t, err)

	require.Len(t, captured.Messages, 2)
	assert.True(t, utf8.ValidString(captured.Messages[1].Content))
}

func TestSummarizer_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "insufficient credits", "code": 402},
		})
	}))
	defer srv.Close()

	s := New(testConfig(srv.URL))
	_, err := s.Summarize(context.Background(), "a perfectly fine transcript about nothing in particular")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient credits")
}
