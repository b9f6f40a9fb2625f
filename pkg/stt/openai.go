package stt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI transcription client.
type OpenAIConfig struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	Prompt   string `mapstructure:"prompt"`
	// HTTPTimeout caps a single HTTP request. The Retrying wrapper has its own per attempt timeout.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// OpenAI transcribes through the audio transcription endpoint.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
	prompt   string
}

// NewOpenAI creates an OpenAI transcriber. BaseURL may point at any compatible server.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stt: openai api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPTimeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: cfg.Language,
		prompt:   cfg.Prompt,
	}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkInput(path); err != nil {
		return "", err
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: path,
		Language: o.language,
		Prompt:   o.prompt,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
