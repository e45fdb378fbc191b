package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/types"
)

// Config configures the OpenAI-compatible judge client.
type Config struct {
	// Base URL of the chat-completions endpoint, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// API key, sent as a bearer token.
	APIKey string `yaml:"api_key" json:"api_key"`

	// Request timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns defaults for the judge client.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.openai.com/v1",
		Timeout: 60 * time.Second,
	}
}

// OpenAIJudge talks to any provider implementing the OpenAI chat-completions
// dialect. Structured output is requested through response_format/json_schema.
type OpenAIJudge struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIJudge creates the judge client.
func NewOpenAIJudge(cfg Config, logger *zap.Logger) *OpenAIJudge {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}
	return &OpenAIJudge{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "judge-client")),
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *mediaURL `json:"image_url,omitempty"`
	VideoURL *mediaURL `json:"video_url,omitempty"`
}

type mediaURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke sends the rendered messages and returns the reply text of the first
// choice.
func (j *OpenAIJudge) Invoke(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    toChatMessages(req.Messages),
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchema{
				Name:   "feedback_scores",
				Strict: true,
				Schema: req.Schema,
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.cfg.APIKey)
	}

	start := time.Now()
	resp, err := j.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("judge call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read judge response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode judge response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("judge returned status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("judge returned no choices")
	}

	j.logger.Debug("judge invocation complete",
		zap.String("model", req.Model),
		zap.Duration("elapsed", time.Since(start)),
	)
	return parsed.Choices[0].Message.Content, nil
}

func toChatMessages(messages []types.PromptMessage) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		cm := chatMessage{Role: string(msg.Role)}
		if len(msg.Parts) == 0 {
			cm.Content = msg.Content
			out = append(out, cm)
			continue
		}
		parts := make([]contentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case types.PartText:
				parts = append(parts, contentPart{Type: "text", Text: part.Text})
			case types.PartImageURL:
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &mediaURL{URL: part.URL}})
			case types.PartVideoURL:
				parts = append(parts, contentPart{Type: "video_url", VideoURL: &mediaURL{URL: part.URL}})
			}
		}
		cm.Content = parts
		out = append(out, cm)
	}
	return out
}

var _ Judge = (*OpenAIJudge)(nil)
