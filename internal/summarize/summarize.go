package summarize

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"github.com/arzhang/goftar/internal/config"
	"github.com/arzhang/goftar/internal/llm"
	"github.com/arzhang/goftar/pkg/log"
)

const persianSystemPrompt = `شما یک دستیار خلاصه‌سازی هستید. متن پیاده‌شده‌ی یک فایل صوتی به شما داده می‌شود.
یک خلاصه‌ی دقیق و ساختارمند به زبان فارسی بنویسید: موضوع اصلی، نکات کلیدی و نتیجه‌گیری.
فقط خلاصه را برگردانید، بدون مقدمه و توضیح اضافه.`

const englishSystemPrompt = `You are a summarization assistant. You are given the transcript of an audio recording.
Write an accurate, structured summary: main topic, key points, and conclusions.
Return only the summary, with no preamble.`

// maxTranscriptChars bounds what we send to the model; longer transcripts
// are truncated from the head since openings carry the topic.
const maxTranscriptChars = 48000

// Summarizer produces a best-effort summary of a transcript. A nil client
// means summarization is disabled and Summarize returns an error the caller
// is expected to swallow.
type Summarizer struct {
	client *llm.Client
}

// New builds a Summarizer from the LLM configuration. When the API key is
// empty the summarizer is disabled rather than failing startup.
func New(cfg config.LLMConfig) *Summarizer {
	if cfg.APIKey == "" {
		log.Info("summarization disabled: no LLM API key configured")
		return &Summarizer{}
	}

	client, err := llm.NewClient(&llm.Config{
		APIKey:      cfg.APIKey,
		APIURL:      cfg.APIURL,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		log.Warn("summarization disabled: %v", err)
		return &Summarizer{}
	}
	return &Summarizer{client: client}
}

// Enabled reports whether a summarization backend is configured.
func (s *Summarizer) Enabled() bool {
	return s.client != nil
}

// Summarize generates a summary of the transcript in the transcript's own
// language. Persian transcripts get a Persian prompt, everything else falls
// back to English.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("summarizer is not configured")
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", fmt.Errorf("empty transcript")
	}
	transcript = truncate(transcript, maxTranscriptChars)

	systemPrompt := englishSystemPrompt
	info := whatlanggo.Detect(transcript)
	if info.Lang == whatlanggo.Pes {
		systemPrompt = persianSystemPrompt
	}
	log.Debug("summarizing transcript (%d chars, detected language %s)",
		len(transcript), info.Lang.String())

	summary, err := s.client.SimpleChat(ctx, transcript, systemPrompt)
	if err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

// truncate caps s at max bytes without splitting a multi-byte rune, so the
// model never receives invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
