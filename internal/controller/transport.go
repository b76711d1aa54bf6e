package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/utils"

	"github.com/google/uuid"
)

// Transport 打开一条到中继的流式连接
type Transport interface {
	Open(ctx context.Context, req model.RelayRequest) (io.ReadCloser, error)
}

// RelayError 中继返回的非 2xx 响应，带结构化错误体，不重试
type RelayError struct {
	StatusCode int
	Message    string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

func (e *RelayError) Terminal() bool {
	return true
}

const maxErrorBody = 64 << 10

type HTTPTransport struct {
	url    string
	client *http.Client
}

func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{url: url, client: client}
}

func (t *HTTPTransport) Open(ctx context.Context, req model.RelayRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal relay request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set(utils.RequestIDHeader, uuid.NewString())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RelayError{StatusCode: resp.StatusCode, Message: relayErrorMessage(resp.StatusCode, raw)}
	}

	return resp.Body, nil
}

func relayErrorMessage(status int, raw []byte) string {
	var payload model.ErrorResponse
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 200 {
		return text
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
