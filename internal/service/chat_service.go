package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/config"
	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/observability"
	"github.com/leonaiuv/ai-chat-app/internal/retry"
	"github.com/leonaiuv/ai-chat-app/internal/utils"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const (
	relayBufferSize = 4096
	maxErrorBody    = 64 << 10
)

// UpstreamError 上游返回的非 2xx 响应。状态码原样透传给客户端，不重试
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Terminal() bool {
	return true
}

// ChatService 把聊天请求转发到上游并原样回传流式响应
type ChatService struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
	metrics *observability.RelayMetrics
}

func NewChatService(cfg *config.Config, metrics *observability.RelayMetrics) *ChatService {
	return &ChatService{
		baseURL: cfg.Upstream.BaseURL,
		client:  utils.NewHTTPClient(cfg.Upstream.Timeout, cfg.Upstream.DebugRequest),
		policy:  retry.FromConfig(cfg.Retry),
		metrics: metrics,
	}
}

// SetRetryPolicy 替换重试策略（测试中用来跳过等待）
func (s *ChatService) SetRetryPolicy(p retry.Policy) {
	s.policy = p
}

// Open 调用上游流式接口，瞬时网络错误按退避策略重试。
// 成功时返回响应体，调用方负责关闭
func (s *ChatService) Open(ctx context.Context, req model.RelayRequest, log *logrus.Entry) (io.ReadCloser, error) {
	upstreamReq := s.buildRequest(req)
	payload, err := json.Marshal(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	log.WithFields(logrus.Fields{
		"model":          upstreamReq.Model,
		"messages_count": len(upstreamReq.Messages),
	}).Info("forwarding chat request to upstream")

	var body io.ReadCloser
	result := retry.Do(ctx, s.policy, func(attempt int) error {
		rc, err := s.send(ctx, req.APIKey, payload)
		if err != nil {
			var upstreamErr *UpstreamError
			if errors.As(err, &upstreamErr) {
				s.metrics.RecordAttempt("http_error")
			} else {
				s.metrics.RecordAttempt("transport_error")
			}
			return err
		}
		s.metrics.RecordAttempt("ok")
		body = rc
		return nil
	}, nil, log)

	if !result.Success {
		return nil, result.LastError
	}
	return body, nil
}

func (s *ChatService) send(ctx context.Context, apiKey string, payload []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    upstreamErrorMessage(resp.StatusCode, raw),
		}
	}

	return resp.Body, nil
}

// buildRequest 组装上游请求体：过滤思维链消息和空的助手消息
func (s *ChatService) buildRequest(req model.RelayRequest) openai.ChatCompletionRequest {
	modelID := req.Model
	if modelID == "" {
		modelID = model.DefaultModel
	}

	return openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
}

func convertMessages(messages []model.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Type == string(model.ChannelReasoning) {
			continue
		}

		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}

		// 空的 assistant 消息会导致上游报错
		if role == openai.ChatMessageRoleAssistant && strings.TrimSpace(msg.Content) == "" {
			continue
		}

		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

// upstreamErrorMessage 取上游错误体中的 error.message；
// 能解析但没有 message 时用通用文案，不能解析时带上状态码
func upstreamErrorMessage(status int, raw []byte) string {
	var payload openai.ErrorResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Sprintf("API请求失败: %d %s", status, http.StatusText(status))
	}
	if payload.Error != nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return "API请求失败"
}

// Relay 把上游字节原样写给客户端，每次读取后 flush，结束时补发终止标记。
// 上游中途失败时先写一个错误事件再结束
func (s *ChatService) Relay(ctx context.Context, body io.Reader, w *utils.SSEWriter, log *logrus.Entry) observability.RequestStatus {
	started := time.Now()
	s.metrics.StreamStarted()

	status := s.pump(ctx, body, w, started, log)
	s.metrics.StreamFinished(status, started)
	return status
}

func (s *ChatService) pump(ctx context.Context, body io.Reader, w *utils.SSEWriter, started time.Time, log *logrus.Entry) observability.RequestStatus {
	buf := make([]byte, relayBufferSize)
	total := 0

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if total == 0 {
				s.metrics.RecordFirstByte(started)
			}
			total += n
			s.metrics.RecordBytes(n)

			if werr := w.WriteRaw(buf[:n]); werr != nil {
				log.Warnf("client went away after %d bytes: %v", total, werr)
				return observability.StatusClientGone
			}
		}

		if err == io.EOF {
			if cerr := w.Close(); cerr != nil {
				log.Warnf("failed to write terminator: %v", cerr)
				return observability.StatusClientGone
			}
			log.WithField("bytes", total).Info("stream relayed")
			return observability.StatusSuccess
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("client cancelled after %d bytes", total)
				return observability.StatusClientGone
			}

			log.Errorf("upstream stream failed after %d bytes: %v", total, err)
			if werr := w.WriteError(fmt.Sprintf("上游连接中断: %v", err)); werr != nil {
				return observability.StatusClientGone
			}
			_ = w.Close()
			return observability.StatusStreamError
		}
	}
}
