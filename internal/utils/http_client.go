package utils

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/sirupsen/logrus"
)

// NewHTTPClient 创建上游调用使用的 HTTP 客户端。
// 流式响应可能持续很久，所以 timeout 只约束到响应头返回为止
func NewHTTPClient(timeout time.Duration, debug bool) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	if debug {
		transport = NewDebugTransport(transport)
	}

	return &http.Client{Transport: transport}
}

// DebugTransport 记录出站请求，敏感头和字段会被脱敏
type DebugTransport struct {
	base http.RoundTripper
}

func NewDebugTransport(base http.RoundTripper) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{base: base}
}

// RoundTrip 实现 http.RoundTripper 接口
func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		t.logRequest(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		logger.Errorf("[debug transport] request to %s failed: %v", req.URL, err)
	}
	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		if IsSensitiveHeader(name) {
			headers[name] = "[REDACTED]"
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}

	var body string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			logger.Errorf("[debug transport] failed to read request body: %v", err)
			return
		}
		// 恢复请求体，以免影响实际请求
		req.Body = io.NopCloser(bytes.NewReader(data))
		body = RedactJSON(string(data))
	}

	logger.WithFields(logrus.Fields{
		"method":  req.Method,
		"url":     req.URL.String(),
		"headers": headers,
		"body":    body,
	}).Debug("[debug transport] outbound request")
}

var sensitiveHeaders = []string{
	"authorization",
	"x-api-key",
	"x-auth-token",
	"cookie",
}

// IsSensitiveHeader 检查是否为敏感请求头
func IsSensitiveHeader(name string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(name, sensitive) {
			return true
		}
	}
	return false
}

var sensitiveFieldPattern = regexp.MustCompile(`"(api_key|apiKey|password|secret|token)"\s*:\s*"[^"]*"`)

// RedactJSON 清理 JSON 文本中敏感字段的值
func RedactJSON(s string) string {
	return sensitiveFieldPattern.ReplaceAllString(s, `"$1":"[REDACTED]"`)
}
