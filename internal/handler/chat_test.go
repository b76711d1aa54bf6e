package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/config"
	"github.com/leonaiuv/ai-chat-app/internal/middleware"
	"github.com/leonaiuv/ai-chat-app/internal/observability"
	"github.com/leonaiuv/ai-chat-app/internal/service"
	"github.com/leonaiuv/ai-chat-app/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const upstreamStream = "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"think\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\n" +
	"data: [DONE]\n\n"

type relayFixture struct {
	router   *gin.Engine
	metrics  *observability.RelayMetrics
	upstream *httptest.Server
	calls    *int32
}

func newRelayFixture(t *testing.T, upstream http.HandlerFunc) *relayFixture {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		upstream(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: srv.URL, Timeout: 5 * time.Second},
		Retry:    config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
	}
	metrics := observability.NewRelayMetrics(prometheus.NewRegistry())
	h := NewChatHandler(service.NewChatService(cfg, metrics), metrics)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.POST("/api/chat", h.StreamChat)
	router.GET("/api/models", h.ListModels)

	return &relayFixture{router: router, metrics: metrics, upstream: srv, calls: &calls}
}

func (f *relayFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func hangUp(w http.ResponseWriter) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err == nil {
		_ = conn.Close()
	}
}

func TestStreamChatRequiresAPIKey(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"model":"deepseek-chat"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"API Key未设置"}`, rec.Body.String())

	rec = f.post(t, `{"messages":[],"apiKey":"   ","model":"deepseek-chat"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, atomic.LoadInt32(f.calls))
}

func TestStreamChatRejectsMalformedBody(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := f.post(t, `{"messages":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"请求格式错误"}`, rec.Body.String())
}

func TestStreamChatForwardsVerbatim(t *testing.T) {
	var got openai.ChatCompletionRequest
	var auth string
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, upstreamStream)
	})

	rec := f.post(t, `{
		"apiKey": "sk-test",
		"model": "deepseek-reasoner",
		"messages": [
			{"role": "user", "content": "q1"},
			{"role": "assistant", "content": "old thoughts", "type": "reasoning"},
			{"role": "assistant", "content": ""},
			{"role": "assistant", "content": "a1"},
			{"role": "user", "content": "q2"}
		]
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, upstreamStream+"data: [DONE]\n\n", rec.Body.String())

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "deepseek-reasoner", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "q1", got.Messages[0].Content)
	assert.Equal(t, "a1", got.Messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "q2", got.Messages[2].Content)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(len(upstreamStream)), testutil.ToFloat64(f.metrics.StreamBytesTotal))
}

func TestStreamChatMirrorsUpstreamError(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Authentication Fails (no such user)","type":"authentication_error"}}`)
	})

	rec := f.post(t, `{"apiKey":"sk-bad","model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication Fails (no such user)"}`, rec.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls), "http errors are not retried")
}

func TestStreamChatUpstreamErrorFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"unparsable", http.StatusPaymentRequired, "Insufficient Balance", "API请求失败: 402 Payment Required"},
		{"no message", http.StatusServiceUnavailable, `{"detail":"busy"}`, "API请求失败"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			rec := f.post(t, `{"apiKey":"sk","model":"deepseek-chat","messages":[]}`)
			assert.Equal(t, tc.status, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.want, resp["error"])
		})
	}
}

func TestStreamChatRetriesTransientFailures(t *testing.T) {
	var n int32
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) < 3 {
			hangUp(w)
			return
		}
		_, _ = io.WriteString(w, upstreamStream)
	})

	rec := f.post(t, `{"apiKey":"sk","model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(f.calls))
	assert.Equal(t, upstreamStream+"data: [DONE]\n\n", rec.Body.String())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.UpstreamAttemptsTotal.WithLabelValues("transport_error")))
}

func TestStreamChatRetriesExhausted(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		hangUp(w)
	})

	rec := f.post(t, `{"apiKey":"sk","model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"处理请求时出错"}`, rec.Body.String())
	assert.Equal(t, int32(3), atomic.LoadInt32(f.calls))
}

func TestStreamChatMidStreamFailure(t *testing.T) {
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\ndata: {\"cho"
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// 声明的长度大于实际写出的字节，客户端会读到 unexpected EOF
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, partial)
	})

	rec := f.post(t, `{"apiKey":"sk","model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, bytes.HasPrefix([]byte(body), []byte(partial)))
	assert.Contains(t, body, "\n\ndata: {\"error\":{\"message\":")
	assert.True(t, bytes.HasSuffix([]byte(body), []byte("data: [DONE]\n\n")))
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls), "mid-stream failures are not retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues("stream_error")))
}

func TestStreamChatTerminatesUnfinishedLastEvent(t *testing.T) {
	last := `data: {"choices":[{"delta":{"content":"hi"}}]}`
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, last)
	})

	rec := f.post(t, `{"apiKey":"sk","model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, last+"\n\ndata: [DONE]\n\n", rec.Body.String())

	dec := stream.NewDecoder("c1")
	events := append(dec.Feed(rec.Body.Bytes()), dec.Finish()...)
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventOpen, events[0].Kind)
	assert.Equal(t, "hi", events[0].Text)
	assert.Equal(t, stream.EventEnd, events[1].Kind)
	assert.Zero(t, dec.Malformed())
}

func TestListModels(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
		Default string `json:"default"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "deepseek-chat", resp.Default)
	assert.Equal(t, "deepseek-reasoner", resp.Models[1].ID)
}
