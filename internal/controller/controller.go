// Package controller 管理每个会话的在途请求：单飞约束、首包前重试、取消和卡死超时。
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/retry"
	"github.com/leonaiuv/ai-chat-app/internal/stream"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrRequestPending = errors.New("a request is already pending for this conversation")

const (
	CancelledNotice = "已停止生成。"
	TimeoutNotice   = "请求超时，长时间未收到响应，请重试。"
	errorNotice     = "抱歉，发生了错误，请稍后重试。"
)

const DefaultStuckTimeout = 5 * time.Minute

type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAwaitingFirstByte  Phase = "awaiting-first-byte"
	PhaseStreamingReasoning Phase = "streaming-reasoning"
	PhaseStreamingAnswer    Phase = "streaming-answer"
	PhaseClosed             Phase = "closed"
)

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// Sink 接收解码事件和终止提示，一般是 conversation.Store
type Sink interface {
	Apply(ev stream.Event) error
	AppendMessage(conversationID string, msg model.Message) error
}

type SubmitRequest struct {
	ConversationID string
	History        []model.ChatMessage
	Model          string
	Credential     string
}

// PendingRequest 一次在途请求的句柄
type PendingRequest struct {
	ID             string
	ConversationID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	timer  *time.Timer

	mu       sync.Mutex
	phase    Phase
	outcome  Outcome
	err      error
	aborted  bool
	closed   bool
	attempts int
}

// Done 请求关闭后被关闭
func (r *PendingRequest) Done() <-chan struct{} {
	return r.done
}

func (r *PendingRequest) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *PendingRequest) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Err 导致请求以 error/timeout 结束的原因
func (r *PendingRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Attempts 已经发起的连接次数
func (r *PendingRequest) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Aborted 是否由用户取消
func (r *PendingRequest) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Wait 阻塞到请求关闭或 ctx 结束
func (r *PendingRequest) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.Outcome(), nil
	case <-ctx.Done():
		return OutcomeNone, ctx.Err()
	}
}

type Controller struct {
	transport    Transport
	sink         Sink
	policy       retry.Policy
	stuckTimeout time.Duration
	newID        stream.IDGenerator
	log          *logrus.Entry

	mu      sync.Mutex
	pending map[string]*PendingRequest
}

type Option func(*Controller)

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

// WithStuckTimeout 设置卡死保护超时，<=0 表示关闭
func WithStuckTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.stuckTimeout = d
	}
}

func WithIDGenerator(g stream.IDGenerator) Option {
	return func(c *Controller) {
		c.newID = g
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(c *Controller) {
		c.log = entry
	}
}

func New(transport Transport, sink Sink, opts ...Option) *Controller {
	c := &Controller{
		transport:    transport,
		sink:         sink,
		policy:       retry.DefaultPolicy(),
		stuckTimeout: DefaultStuckTimeout,
		newID:        stream.NewMessageID,
		pending:      make(map[string]*PendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithFields(logrus.Fields{"component": "controller"})
	}
	return c
}

// Submit 为会话发起请求。已有在途请求时返回 ErrRequestPending，且不产生任何副作用
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*PendingRequest, error) {
	if req.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	c.mu.Lock()
	if _, busy := c.pending[req.ConversationID]; busy {
		c.mu.Unlock()
		return nil, ErrRequestPending
	}

	reqCtx, cancel := context.WithCancel(ctx)
	pr := &PendingRequest{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		ctx:            reqCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
		phase:          PhaseAwaitingFirstByte,
	}
	c.pending[req.ConversationID] = pr
	c.mu.Unlock()

	if c.stuckTimeout > 0 {
		pr.mu.Lock()
		pr.timer = time.AfterFunc(c.stuckTimeout, func() { c.expire(pr) })
		pr.mu.Unlock()
	}

	go c.run(pr, model.RelayRequest{
		Messages: req.History,
		APIKey:   req.Credential,
		Model:    req.Model,
	})

	return pr, nil
}

// Cancel 取消会话的在途请求。先标记 aborted 再取消 ctx，
// 之后的流错误都不会被当作失败报告
func (c *Controller) Cancel(conversationID string) bool {
	pr := c.lookup(conversationID)
	if pr == nil {
		return false
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return false
	}
	pr.aborted = true
	c.teardownLocked(pr, OutcomeCancelled, nil, c.notice(model.KindCancelled, CancelledNotice))
	return true
}

// Pending 会话是否有在途请求
func (c *Controller) Pending(conversationID string) bool {
	return c.lookup(conversationID) != nil
}

func (c *Controller) PendingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelAll 退出时取消所有在途请求
func (c *Controller) CancelAll() {
	for _, id := range c.PendingIDs() {
		c.Cancel(id)
	}
}

func (c *Controller) lookup(conversationID string) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[conversationID]
}

func (c *Controller) run(pr *PendingRequest, req model.RelayRequest) {
	log := c.log.WithFields(logrus.Fields{
		"conversation_id": pr.ConversationID,
		"request_id":      pr.ID,
		"model":           req.Model,
	})
	log.Debug("request submitted")

	result := retry.Do(pr.ctx, c.policy, func(attempt int) error {
		pr.mu.Lock()
		pr.attempts = attempt
		pr.mu.Unlock()

		return c.attempt(pr, req, log)
	}, nil, log)

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		// 已由终止事件、取消或超时关闭
		return
	}

	err := result.LastError
	if err == nil {
		err = errors.New("stream closed without terminal event")
	}
	if errors.Is(err, context.Canceled) {
		c.teardownLocked(pr, OutcomeCancelled, nil, c.notice(model.KindCancelled, CancelledNotice))
		return
	}

	log.WithField("attempts", result.Attempts).Errorf("request failed: %v", err)
	c.teardownLocked(pr, OutcomeError, err, c.notice(model.KindError, errorText(describe(err))))
}

// attempt 建立一次连接并解码到结束。只有在尚未产生任何事件时失败才允许重试，
// 否则重发会让已展示的内容重复
func (c *Controller) attempt(pr *PendingRequest, req model.RelayRequest, log *logrus.Entry) error {
	body, err := c.transport.Open(pr.ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	emitted := false
	dec := stream.NewDecoder(pr.ConversationID,
		stream.WithIDGenerator(c.newID),
		stream.WithLogger(log))

	err = dec.Run(pr.ctx, body, func(ev stream.Event) {
		emitted = true
		c.deliver(pr, ev, log)
	})
	if err != nil && emitted {
		return &midStreamError{err: err}
	}
	if dec.Malformed() > 0 {
		log.Debugf("skipped %d malformed fragments", dec.Malformed())
	}
	return err
}

// deliver 在请求锁内投递事件，请求关闭后到达的事件直接丢弃
func (c *Controller) deliver(pr *PendingRequest, ev stream.Event, log *logrus.Entry) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.closed {
		log.Debugf("dropping late %s event", ev.Kind)
		return
	}

	switch ev.Kind {
	case stream.EventOpen:
		if ev.Channel == model.ChannelReasoning {
			pr.phase = PhaseStreamingReasoning
		} else {
			pr.phase = PhaseStreamingAnswer
		}
		fallthrough
	case stream.EventAppend:
		if err := c.sink.Apply(ev); err != nil {
			// 会话可能在流式过程中被删除
			log.Warnf("failed to apply %s event: %v", ev.Kind, err)
		}
	case stream.EventEnd:
		c.teardownLocked(pr, OutcomeOK, nil, nil)
	case stream.EventError:
		log.Warnf("upstream reported error: %s", ev.Text)
		c.teardownLocked(pr, OutcomeError, errors.New(ev.Text), c.notice(model.KindError, errorText(ev.Text)))
	}
}

// expire 卡死保护：超时后强制关闭
func (c *Controller) expire(pr *PendingRequest) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return
	}

	c.log.WithFields(logrus.Fields{
		"conversation_id": pr.ConversationID,
		"request_id":      pr.ID,
	}).Warnf("request stuck for %v, forcing teardown", c.stuckTimeout)
	c.teardownLocked(pr, OutcomeTimeout, context.DeadlineExceeded, c.notice(model.KindTimeout, TimeoutNotice))
}

// teardownLocked 关闭请求，恰好执行一次。调用方持有 pr.mu
func (c *Controller) teardownLocked(pr *PendingRequest, outcome Outcome, err error, notice *model.Message) {
	pr.once.Do(func() {
		pr.closed = true
		pr.phase = PhaseClosed
		pr.outcome = outcome
		pr.err = err

		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.cancel()

		if notice != nil {
			if err := c.sink.AppendMessage(pr.ConversationID, *notice); err != nil {
				c.log.Warnf("failed to append %s notice: %v", notice.Kind, err)
			}
		}

		c.mu.Lock()
		if c.pending[pr.ConversationID] == pr {
			delete(c.pending, pr.ConversationID)
		}
		c.mu.Unlock()

		close(pr.done)
	})
}

func (c *Controller) notice(kind model.Kind, text string) *model.Message {
	return &model.Message{
		ID:      fmt.Sprintf("%s-%d-%s", kind, time.Now().UnixNano(), uuid.NewString()[:8]),
		Role:    model.RoleAssistant,
		Kind:    kind,
		Content: text,
	}
}

func errorText(detail string) string {
	if detail == "" {
		return errorNotice
	}
	return "抱歉，发生了错误：" + detail
}

func describe(err error) string {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Message
	}
	var mid *midStreamError
	if errors.As(err, &mid) {
		return "连接中断"
	}
	return ""
}

// midStreamError 已有内容输出后的读取失败，不可重试
type midStreamError struct {
	err error
}

func (e *midStreamError) Error() string {
	return "stream interrupted: " + e.err.Error()
}

func (e *midStreamError) Unwrap() error {
	return e.err
}

func (e *midStreamError) Terminal() bool {
	return true
}
