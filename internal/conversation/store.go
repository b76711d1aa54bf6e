// Package conversation 实现客户端的会话状态存储：会话注册表、当前展示会话的投影，
// 以及把解码事件路由到目标会话。
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/stream"

	"github.com/google/uuid"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

type ChangeKind string

const (
	ChangeLoaded   ChangeKind = "loaded"
	ChangeCreated  ChangeKind = "created"
	ChangeSelected ChangeKind = "selected"
	ChangeMessage  ChangeKind = "message"
	ChangeDelta    ChangeKind = "delta"
	ChangeRenamed  ChangeKind = "renamed"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change 每次变更后通知订阅者。Displayed 表示变更是否落在当前展示的会话上
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	Text           string
	Displayed      bool
}

// Store 会话注册表。所有读写经同一把锁串行化，
// 因此“检查是否为展示会话再修改投影”是原子的
type Store struct {
	mu            sync.Mutex
	conversations []*model.Conversation // 最新的在前
	index         map[string]*model.Conversation
	displayedID   string
	projection    []model.Message
	observers     []func(Change)
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		index: make(map[string]*model.Conversation),
		now:   time.Now,
	}
}

// Subscribe 注册变更回调。回调在锁外同步调用，按变更顺序执行
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Load 用持久化的会话列表替换当前内容（启动时调用一次）
func (s *Store) Load(conversations []model.Conversation) {
	s.mu.Lock()
	s.conversations = make([]*model.Conversation, 0, len(conversations))
	s.index = make(map[string]*model.Conversation, len(conversations))
	for i := range conversations {
		c := conversations[i].Clone()
		if _, dup := s.index[c.ID]; dup {
			continue
		}
		s.conversations = append(s.conversations, c)
		s.index[c.ID] = c
	}
	s.displayedID = ""
	s.projection = nil
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeLoaded})
}

// Create 新建会话并设为当前展示会话
func (s *Store) Create(title, modelID string) model.Conversation {
	s.mu.Lock()
	c := s.createLocked(title, modelID)
	s.displayedID = c.ID
	s.projection = nil
	out := *c.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeCreated, ConversationID: out.ID, Displayed: true})
	return out
}

func (s *Store) createLocked(title, modelID string) *model.Conversation {
	now := s.now()
	c := &model.Conversation{
		ID:        fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		Title:     title,
		Model:     modelID,
		Messages:  make([]model.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations = append([]*model.Conversation{c}, s.conversations...)
	s.index[c.ID] = c
	return c
}

// AppendUserMessage 追加用户消息。没有当前会话时隐式创建，标题取消息前30个字符
func (s *Store) AppendUserMessage(modelID, content string) (string, model.Message) {
	s.mu.Lock()
	var changes []Change

	c, ok := s.index[s.displayedID]
	if !ok {
		c = s.createLocked(model.TitleFrom(content), modelID)
		s.displayedID = c.ID
		s.projection = nil
		changes = append(changes, Change{Kind: ChangeCreated, ConversationID: c.ID, Displayed: true})
	}

	msg := model.Message{
		ID:        fmt.Sprintf("user-%d-%s", s.now().UnixNano(), uuid.NewString()[:8]),
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	}
	if c.Title == "" {
		c.Title = model.TitleFrom(content)
	}
	if modelID != "" {
		c.Model = modelID
	}
	s.appendLocked(c, msg)
	changes = append(changes, Change{Kind: ChangeMessage, ConversationID: c.ID, MessageID: msg.ID, Text: content, Displayed: true})
	id := c.ID
	s.mu.Unlock()

	s.notify(changes...)
	return id, msg
}

// AppendMessage 向指定会话追加一条完整消息（错误、取消确认等终止提示）
func (s *Store) AppendMessage(conversationID string, msg model.Message) error {
	s.mu.Lock()
	c, ok := s.index[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	displayed := s.appendLocked(c, msg)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: conversationID, MessageID: msg.ID, Text: msg.Content, Displayed: displayed})
	return nil
}

// appendLocked 写入会话；若该会话正在展示，同步写入投影
func (s *Store) appendLocked(c *model.Conversation, msg model.Message) bool {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = s.now()

	if c.ID != s.displayedID {
		return false
	}
	s.projection = append(s.projection, msg)
	return true
}

// Apply 把解码事件路由到目标会话，无论其是否正在展示。
// 是否镜像到投影在处理事件的当下判断，而不是在提交请求时
func (s *Store) Apply(ev stream.Event) error {
	switch ev.Kind {
	case stream.EventOpen:
		return s.AppendMessage(ev.ConversationID, model.Message{
			ID:      ev.MessageID,
			Role:    ev.Role,
			Channel: ev.Channel,
			Content: ev.Text,
		})
	case stream.EventAppend:
		return s.appendText(ev.ConversationID, ev.MessageID, ev.Text)
	default:
		// 终止事件由请求生命周期控制器处理
		return nil
	}
}

func (s *Store) appendText(conversationID, messageID, text string) error {
	s.mu.Lock()
	c, ok := s.index[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	// 开启中的消息总在末尾附近，从后往前找
	found := false
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].ID == messageID {
			c.Messages[i].Content += text
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrMessageNotFound, messageID, conversationID)
	}
	c.UpdatedAt = s.now()

	displayed := conversationID == s.displayedID
	if displayed {
		for i := len(s.projection) - 1; i >= 0; i-- {
			if s.projection[i].ID == messageID {
				s.projection[i].Content += text
				break
			}
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDelta, ConversationID: conversationID, MessageID: messageID, Text: text, Displayed: displayed})
	return nil
}

// Select 切换展示会话，投影由会话内容重建
func (s *Store) Select(conversationID string) (model.Conversation, error) {
	s.mu.Lock()
	c, ok := s.index[conversationID]
	if !ok {
		s.mu.Unlock()
		return model.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	s.displayedID = c.ID
	s.projection = append([]model.Message(nil), c.Messages...)
	out := *c.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSelected, ConversationID: conversationID, Displayed: true})
	return out, nil
}

// ClearSelection 开始新对话：不展示任何会话，下一条用户消息会创建新会话
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.displayedID = ""
	s.projection = nil
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSelected})
}

func (s *Store) Rename(conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}

	s.mu.Lock()
	c, ok := s.index[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	c.Title = title
	c.UpdatedAt = s.now()
	displayed := conversationID == s.displayedID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRenamed, ConversationID: conversationID, Text: title, Displayed: displayed})
	return nil
}

// Delete 删除会话；删除的是当前展示会话时清空投影
func (s *Store) Delete(conversationID string) error {
	s.mu.Lock()
	if _, ok := s.index[conversationID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	delete(s.index, conversationID)
	for i, c := range s.conversations {
		if c.ID == conversationID {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	displayed := conversationID == s.displayedID
	if displayed {
		s.displayedID = ""
		s.projection = nil
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDeleted, ConversationID: conversationID, Displayed: displayed})
	return nil
}

// DisplayedID 当前展示的会话 id，无则为空
func (s *Store) DisplayedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayedID
}

// Projection 当前展示会话的消息副本
func (s *Store) Projection() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.projection...)
}

func (s *Store) Get(conversationID string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.index[conversationID]
	if !ok {
		return model.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return *c.Clone(), nil
}

// List 会话列表（最新在前），不含消息体
func (s *Store) List() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, model.Conversation{
			ID:        c.ID,
			Title:     c.Title,
			Model:     c.Model,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return out
}

// Snapshot 完整会话列表的深拷贝，用于持久化
func (s *Store) Snapshot() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c.Clone())
	}
	return out
}

// History 组装发往上游的历史：排除思维链消息、本地终止提示和空的助手消息，
// 并去掉旧数据中残留的展示前缀
func (s *Store) History(conversationID string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.index[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	history := make([]model.ChatMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.IsReasoning() || m.Kind != model.KindNone {
			continue
		}
		content := model.StripReasoningPrefix(m.Content)
		if m.Role == model.RoleAssistant && strings.TrimSpace(content) == "" {
			continue
		}
		history = append(history, model.ChatMessage{Role: m.Role, Content: content})
	}
	return history, nil
}

func (s *Store) notify(changes ...Change) {
	s.mu.Lock()
	observers := make([]func(Change), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range observers {
			fn(ch)
		}
	}
}
