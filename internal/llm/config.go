package llm

import "fmt"

// Config holds the configuration for an OpenAI-compatible LLM provider.
type Config struct {
	APIKey      string
	APIURL      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     int
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("llm api key is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("llm api url is required")
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

// GetHeaders returns the HTTP headers for API requests.
func (c *Config) GetHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.APIKey,
		"Content-Type":  "application/json",
	}
}
