package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/config"

	"github.com/sirupsen/logrus"
)

// Policy 指数退避重试策略。MaxAttempts 是总调用次数（含首次）
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// Wait 在两次尝试之间阻塞，测试中可替换以记录延迟
	Wait func(ctx context.Context, d time.Duration) error
}

// Result 记录一次带重试的操作的执行情况
type Result struct {
	Attempts      int
	Delays        []time.Duration
	TotalDuration time.Duration
	LastError     error
	Success       bool
	// Exhausted 为 true 表示因达到次数上限而放弃
	Exhausted bool
}

// DefaultPolicy 3次尝试，基础延迟每次翻倍
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
}

// FromConfig 由配置生成策略
func FromConfig(c config.RetryConfig) Policy {
	p := Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Do 执行 op，遇到 retryable 判定为可重试的错误时按退避策略重试
func Do(ctx context.Context, p Policy, op func(attempt int) error, retryable func(error) bool, log *logrus.Entry) Result {
	start := time.Now()
	result := Result{}

	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if retryable == nil {
		retryable = IsTransient
	}
	wait := p.Wait
	if wait == nil {
		wait = sleep
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := op(attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if log != nil && attempt > 1 {
				log.Infof("operation succeeded after %d attempts (total duration: %v)", attempt, result.TotalDuration)
			}
			return result
		}
		result.LastError = err

		if !retryable(err) {
			result.TotalDuration = time.Since(start)
			return result
		}

		if attempt == p.MaxAttempts {
			result.Exhausted = true
			result.TotalDuration = time.Since(start)
			if log != nil {
				log.Warnf("operation failed after %d attempts: %v", attempt, err)
			}
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}

		delay := p.Delay(attempt - 1)
		result.Delays = append(result.Delays, delay)
		if log != nil {
			log.Warnf("attempt %d/%d failed: %v; retrying in %v", attempt, p.MaxAttempts, err, delay)
		}

		if err := wait(ctx, delay); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// Delay 第 n 次重试（从0开始）之前的等待时间：BaseDelay * Multiplier^n
func (p Policy) Delay(n int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(n))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		// ±10% 随机抖动
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}

	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// terminal 由上游错误类型实现，表示不应重试
type terminal interface {
	Terminal() bool
}

// IsTransient 判断是否为可重试的瞬时网络错误。
// 取消不重试；带结构化错误体的 HTTP 错误状态不重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var t terminal
	if errors.As(err, &t) && t.Terminal() {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return false
}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"timeout",
	"temporary failure",
	"no such host",
	"network unreachable",
	"network is unreachable",
	"broken pipe",
	"network error",
}
