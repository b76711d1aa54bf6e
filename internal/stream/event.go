// Package stream 把中继转发的 SSE 字节流增量解码为按通道拆分的消息事件。
package stream

import (
	"fmt"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/model"

	"github.com/google/uuid"
)

type EventKind int

const (
	// EventOpen 通道切换，开启一条新消息，Text 为首段内容
	EventOpen EventKind = iota + 1
	// EventAppend 向已开启的消息追加 Text
	EventAppend
	// EventError 上游在流内报告错误，Text 为错误详情；流终止
	EventError
	// EventEnd 收到终止标记或流正常结束
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "OpenMessage"
	case EventAppend:
		return "AppendMessage"
	case EventError:
		return "StreamError"
	case EventEnd:
		return "StreamEnd"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event 解码事件。Role/Channel 只在 EventOpen 上设置
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
	Role           model.Role
	Channel        model.Channel
	Text           string
}

// Terminal 是否为终止事件
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventEnd
}

// IDGenerator 为新开启的消息生成 id
type IDGenerator func(channel model.Channel) string

// NewMessageID 时间戳加随机后缀，跨请求碰撞概率可忽略
func NewMessageID(channel model.Channel) string {
	return fmt.Sprintf("%s-%d-%s", channel, time.Now().UnixNano(), uuid.NewString()[:8])
}
