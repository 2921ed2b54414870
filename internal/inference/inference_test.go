package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVLLMEngine_Infer(t *testing.T) {
	var got chatRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"deepseek-ocr","choices":[{"message":{"content":"  # Invoice 42  \n"}}],"usage":{"prompt_tokens":812,"completion_tokens":9}}`))
	}))
	defer srv.Close()

	engine := NewVLLMEngine(Config{BaseURL: srv.URL + "/", Model: "deepseek-ocr", APIKey: "secret"}, logger.NewDiscard())

	resp, err := engine.Infer(context.Background(), &Request{
		Image:    []byte("png-bytes"),
		MimeType: "image/png",
		Prompt:   PromptFor(PromptInvoice),
	})
	require.NoError(t, err)

	assert.Equal(t, "# Invoice 42", resp.Text)
	assert.Equal(t, "deepseek-ocr", resp.Model)
	assert.Equal(t, 812, resp.PromptTokens)
	assert.Equal(t, "Bearer secret", auth)

	assert.Equal(t, "deepseek-ocr", got.Model)
	assert.Equal(t, float64(0), got.Temperature)
	assert.Equal(t, defaultVLLMMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Contains(t, got.Messages[0].Content[0].Text, "invoice_number")
	assert.Equal(t, "data:image/png;base64,cG5nLWJ5dGVz", got.Messages[0].Content[1].ImageURL.URL)
}

func TestVLLMEngine_ErrorClassification(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		body            string
		wantUnavailable bool
		wantFatal       bool
	}{
		{name: "throttled", status: http.StatusTooManyRequests, wantUnavailable: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantUnavailable: true},
		{name: "overloaded", status: http.StatusServiceUnavailable, wantUnavailable: true},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, wantUnavailable: true},
		{name: "bad request", status: http.StatusBadRequest, body: "image too large", wantFatal: true},
		{name: "internal error", status: http.StatusInternalServerError, wantFatal: true},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantFatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			engine := NewVLLMEngine(Config{BaseURL: srv.URL, Model: "m"}, logger.NewDiscard())
			_, err := engine.Infer(context.Background(), &Request{Image: []byte{1}})
			require.Error(t, err)

			assert.Equal(t, tt.wantUnavailable, errors.Is(err, ErrUnavailable))
			var fatal *FatalError
			assert.Equal(t, tt.wantFatal, errors.As(err, &fatal))
		})
	}
}

func TestVLLMEngine_NetworkAndDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	url := srv.URL

	engine := NewVLLMEngine(Config{BaseURL: url, Model: "m"}, logger.NewDiscard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := engine.Infer(ctx, &Request{Image: []byte{1}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	srv.Close()
	_, err = engine.Infer(context.Background(), &Request{Image: []byte{1}})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMockEngine(t *testing.T) {
	engine := NewMockEngine(0, 0)

	resp, err := engine.Infer(context.Background(), &Request{Image: []byte("abc"), MimeType: "image/png"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Text, "# Mock OCR Result"))
	assert.Contains(t, resp.Text, "3 bytes")
	assert.Equal(t, int64(1), engine.Calls())

	failing := NewMockEngine(0, 1)
	_, err = failing.Infer(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrUnavailable)

	slow := NewMockEngine(time.Second, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Infer(ctx, &Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimited(t *testing.T) {
	engine := RateLimited(NewMockEngine(0, 0), 1, 1)
	assert.Equal(t, EngineMock, engine.Name())

	_, err := engine.Infer(context.Background(), &Request{})
	require.NoError(t, err)

	// The bucket is empty and refills in one second, past this deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = engine.Infer(ctx, &Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{name: "default is mock", cfg: Config{}, wantName: EngineMock},
		{name: "vllm", cfg: Config{Engine: EngineVLLM, BaseURL: "http://vllm:8000", Model: "m"}, wantName: EngineVLLM},
		{name: "vllm without url", cfg: Config{Engine: EngineVLLM}, wantErr: true},
		{name: "rate limited", cfg: Config{Engine: EngineMock, RateLimit: 5}, wantName: EngineMock},
		{name: "unknown", cfg: Config{Engine: "tesseract"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := New(tt.cfg, logger.NewDiscard())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, engine.Name())
		})
	}
}

func TestPromptFor(t *testing.T) {
	assert.True(t, IsPromptMode(PromptReceipt))
	assert.False(t, IsPromptMode("poem"))
	assert.Equal(t, PromptFor(PromptMarkdown), PromptFor("poem"))
	assert.Contains(t, PromptFor(PromptTable), "markdown tables")
}
