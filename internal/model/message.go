package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Channel 助手消息所属的逻辑内容通道；用户消息没有通道
type Channel string

const (
	ChannelNone      Channel = ""
	ChannelReasoning Channel = "reasoning"
	ChannelAnswer    Channel = "answer"
)

// Kind 标记客户端本地生成的终止提示，这类消息不会作为历史发送给上游
type Kind string

const (
	KindNone      Kind = ""
	KindError     Kind = "error"
	KindCancelled Kind = "cancelled"
	KindTimeout   Kind = "timeout"
)

// ReasoningPrefix 思维链消息的展示前缀，仅用于渲染
const ReasoningPrefix = "思考过程："

// TitleMaxRunes 会话标题取首条用户消息的前30个字符
const TitleMaxRunes = 30

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Channel   Channel   `json:"channel,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// IsReasoning 判断是否为思维链消息
func (m Message) IsReasoning() bool {
	return m.Role == RoleAssistant && m.Channel == ChannelReasoning
}

// DisplayContent 返回用于渲染的内容，思维链消息加上展示前缀
func (m Message) DisplayContent() string {
	if m.IsReasoning() {
		return ReasoningPrefix + StripReasoningPrefix(m.Content)
	}
	return m.Content
}

// StripReasoningPrefix 去掉展示前缀（旧版本持久化数据会把前缀写进内容）
func StripReasoningPrefix(content string) string {
	return strings.TrimPrefix(content, ReasoningPrefix)
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 深拷贝，避免调用方修改存储内部状态
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	return &cp
}

// TitleFrom 由首条用户消息生成会话标题
func TitleFrom(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= TitleMaxRunes {
		return content
	}
	return string(runes[:TitleMaxRunes]) + "..."
}

type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

const DefaultModel = "deepseek-chat"

var Models = []ModelInfo{
	{
		ID:          "deepseek-chat",
		Name:        "DeepSeek Chat",
		Description: "基础聊天模型",
	},
	{
		ID:          "deepseek-reasoner",
		Name:        "DeepSeek Reasoner",
		Description: "推理增强模型，会显示思考过程",
	},
}

// KnownModel 判断模型标识是否在目录中
func KnownModel(id string) bool {
	for _, m := range Models {
		if m.ID == id {
			return true
		}
	}
	return false
}
