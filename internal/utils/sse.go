package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DoneToken SSE 流的终止标记
const DoneToken = "[DONE]"

// RequestIDHeader 客户端与中继之间关联请求的头
const RequestIDHeader = "X-Request-ID"

type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool

	// written 是否已写出字节；trailing 末尾连续换行数（忽略 \r，最多记到2）
	written  bool
	trailing int
}

// NewSSEWriter 设置流式响应头；必须在写入响应体之前调用
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

func (s *SSEWriter) Write(event, data string) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.written, s.trailing = true, 2

	s.flush()
	return nil
}

// WriteRaw 原样写入上游字节（透传），写完立即 flush
func (s *SSEWriter) WriteRaw(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.track(p)
	s.flush()
	return nil
}

func (s *SSEWriter) track(p []byte) {
	if len(p) == 0 {
		return
	}
	s.written = true

	n := 0
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '\r' {
			continue
		}
		if p[i] != '\n' {
			s.trailing = min(n, 2)
			return
		}
		n++
	}
	// 整块都是换行，接在之前的计数后面
	s.trailing = min(s.trailing+n, 2)
}

// separate 补齐事件分隔，保证后续事件从空行之后开始
func (s *SSEWriter) separate() error {
	if !s.written || s.trailing >= 2 {
		return nil
	}
	if _, err := io.WriteString(s.w, strings.Repeat("\n", 2-s.trailing)); err != nil {
		return err
	}
	s.trailing = 2
	return nil
}

// WriteError 写入一个流内错误事件，格式与上游错误负载一致
func (s *SSEWriter) WriteError(message string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"error": map[string]string{"message": message},
	})
	if err != nil {
		return err
	}
	// 前面透传的字节可能停在半行
	if err := s.separate(); err != nil {
		return err
	}
	return s.Write("", string(payload))
}

// Close 写入终止标记，重复调用无副作用
func (s *SSEWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.separate(); err != nil {
		return err
	}
	return s.Write("", DoneToken)
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
