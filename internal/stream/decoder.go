package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/utils"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/sirupsen/logrus"
)

const readBufferSize = 4096

// maxLoggedFragment 记录坏片段时的截断长度
const maxLoggedFragment = 200

// chunkPayload 上游 data 行的 JSON 负载
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			ReasoningContent string `json:"reasoning_content"`
			Content          string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// Decoder 单次请求的增量 SSE 解码器，有状态、单遍、非并发安全。
// 同一时刻至多一条开启中的消息；通道变化是唯一的消息边界
type Decoder struct {
	conversationID string
	newID          IDGenerator
	log            *logrus.Entry

	pending []byte

	channel model.Channel
	openID  string
	content strings.Builder

	done      bool
	malformed int
}

type Option func(*Decoder)

// WithIDGenerator 替换消息 id 生成器（测试中用确定性 id）
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Decoder) {
		d.newID = g
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(d *Decoder) {
		d.log = entry
	}
}

func NewDecoder(conversationID string, opts ...Option) *Decoder {
	d := &Decoder{
		conversationID: conversationID,
		newID:          NewMessageID,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.WithFields(logrus.Fields{"conversation_id": conversationID})
	}
	return d
}

// Feed 输入一段原始字节，返回由其中完整行产生的事件。
// 末尾不完整的行保留到下一次调用
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}

	d.pending = append(d.pending, chunk...)

	var events []Event
	consumed := 0
	for !d.done {
		i := bytes.IndexByte(d.pending[consumed:], '\n')
		if i < 0 {
			break
		}
		line := d.pending[consumed : consumed+i]
		consumed += i + 1
		events = d.handleLine(events, line)
	}

	if d.done {
		d.pending = nil
	} else if consumed > 0 {
		d.pending = append([]byte(nil), d.pending[consumed:]...)
	}

	return events
}

// Finish 在字节流结束时调用：处理残留的最后一行；若未见终止标记则补一个 StreamEnd
func (d *Decoder) Finish() []Event {
	if d.done {
		return nil
	}

	var events []Event
	if len(d.pending) > 0 {
		line := d.pending
		d.pending = nil
		events = d.handleLine(events, line)
	}

	if !d.done {
		events = append(events, d.end())
	}
	return events
}

// Run 读取 r 直到终止事件或 EOF，按到达顺序把事件交给 emit。
// 只返回读取错误（网络中断等）；上游报告的错误通过 StreamError 事件传递
func (d *Decoder) Run(ctx context.Context, r io.Reader, emit func(Event)) error {
	buf := make([]byte, readBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range d.Feed(buf[:n]) {
				emit(ev)
			}
			if d.done {
				return nil
			}
		}

		if err == io.EOF {
			for _, ev := range d.Finish() {
				emit(ev)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Done 是否已产生终止事件
func (d *Decoder) Done() bool {
	return d.done
}

// Channel 当前开启中的消息通道
func (d *Decoder) Channel() model.Channel {
	return d.channel
}

// OpenMessageID 当前开启中的消息 id
func (d *Decoder) OpenMessageID() string {
	return d.openID
}

// Content 当前开启中的消息已累积的文本
func (d *Decoder) Content() string {
	return d.content.String()
}

// Malformed 被跳过的坏片段数量
func (d *Decoder) Malformed() int {
	return d.malformed
}

func (d *Decoder) handleLine(events []Event, line []byte) []Event {
	line = bytes.TrimSuffix(line, []byte("\r"))

	if !bytes.HasPrefix(line, []byte("data:")) {
		// 空行是事件分隔；注释、event:/id: 等字段不携带内容
		return events
	}

	data := line[len("data:"):]
	data = bytes.TrimPrefix(data, []byte(" "))

	if string(bytes.TrimSpace(data)) == utils.DoneToken {
		return append(events, d.end())
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return events
	}

	var payload chunkPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.malformed++
		d.log.WithField("fragment", truncate(string(data), maxLoggedFragment)).
			Debugf("skipping malformed stream fragment: %v", err)
		return events
	}

	if detail, ok := errorDetail(payload.Error); ok {
		d.done = true
		return append(events, Event{
			Kind:           EventError,
			ConversationID: d.conversationID,
			MessageID:      d.openID,
			Text:           detail,
		})
	}

	if len(payload.Choices) == 0 {
		return events
	}

	delta := payload.Choices[0].Delta
	// 两个字段独立检查：先思维链，后正文
	if delta.ReasoningContent != "" {
		events = append(events, d.delta(model.ChannelReasoning, delta.ReasoningContent))
	}
	if delta.Content != "" {
		events = append(events, d.delta(model.ChannelAnswer, delta.Content))
	}

	return events
}

func (d *Decoder) delta(channel model.Channel, text string) Event {
	if channel != d.channel {
		d.channel = channel
		d.openID = d.newID(channel)
		d.content.Reset()
		d.content.WriteString(text)

		return Event{
			Kind:           EventOpen,
			ConversationID: d.conversationID,
			MessageID:      d.openID,
			Role:           model.RoleAssistant,
			Channel:        channel,
			Text:           text,
		}
	}

	d.content.WriteString(text)
	return Event{
		Kind:           EventAppend,
		ConversationID: d.conversationID,
		MessageID:      d.openID,
		Text:           text,
	}
}

func (d *Decoder) end() Event {
	d.done = true
	return Event{
		Kind:           EventEnd,
		ConversationID: d.conversationID,
	}
}

// errorDetail 解析 {error: string | {message: string}}
func errorDetail(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}

	return string(raw), true
}

// truncate 截断到至多 n 字节，不切断多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
