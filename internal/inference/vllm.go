package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultVLLMMaxTokens = 2048
	defaultVLLMTimeout   = 120 * time.Second
)

// VLLMEngine calls an OpenAI-compatible chat completions endpoint served by vLLM
type VLLMEngine struct {
	chatURL     string
	model       string
	apiKey      string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewVLLMEngine(cfg Config, logger *slog.Logger) *VLLMEngine {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultVLLMMaxTokens
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultVLLMTimeout
	}

	return &VLLMEngine{
		chatURL:     strings.TrimRight(cfg.BaseURL, "/") + "/v1/chat/completions",
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

func (v *VLLMEngine) Name() string  { return EngineVLLM }
func (v *VLLMEngine) Model() string { return v.model }

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (v *VLLMEngine) Infer(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = v.maxTokens
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = PromptFor(PromptMarkdown)
	}

	payload, err := json.Marshal(chatRequest{
		Model: v.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		Temperature: v.temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.chatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netTimeout interface{ Timeout() bool }
		if errors.As(err, &netTimeout) && netTimeout.Timeout() {
			return nil, fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		v.logger.Warn("Inference request rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUnavailable, err)
	}
	if len(out.Choices) == 0 {
		return nil, &FatalError{StatusCode: resp.StatusCode, Message: "response has no choices"}
	}

	model := out.Model
	if model == "" {
		model = v.model
	}

	return &Response{
		Text:             strings.TrimSpace(out.Choices[0].Message.Content),
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

func classifyStatus(status int, body string) error {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		return &FatalError{StatusCode: status, Message: body}
	}
}
