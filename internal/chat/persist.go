package chat

import (
	"sync"
	"time"

	"github.com/leonaiuv/ai-chat-app/pkg/logger"
)

// debouncer 合并短时间内的多次保存请求；流式输出时每个增量都会触发保存
type debouncer struct {
	delay time.Duration
	save  func() error

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool
}

func newDebouncer(delay time.Duration, save func() error) *debouncer {
	return &debouncer{delay: delay, save: save}
}

// Trigger 标记有变更；delay<=0 时立即保存
func (d *debouncer) Trigger() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.dirty = true
	if d.delay <= 0 {
		d.mu.Unlock()
		d.Flush()
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, func() { d.Flush() })
	}
	d.mu.Unlock()
}

// Flush 有未保存的变更时立即保存
func (d *debouncer) Flush() error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	d.dirty = false
	d.mu.Unlock()

	if err := d.save(); err != nil {
		logger.Errorf("failed to persist conversations: %v", err)
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return err
	}
	return nil
}

// Close 保存剩余变更，之后的 Trigger 被忽略
func (d *debouncer) Close() error {
	err := d.Flush()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}
