// Package chat 把会话存储、请求控制器和持久化组装成客户端门面，供界面层调用。
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/controller"
	"github.com/leonaiuv/ai-chat-app/internal/conversation"
	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/storage"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoCredential  = errors.New("API Key未设置")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrUnknownModel  = errors.New("unknown model")
	ErrEmptyAPIKey   = errors.New("API Key不能为空")
	ErrNoPendingTurn = errors.New("no request in progress")
)

type Options struct {
	Storage   storage.Storage
	Transport controller.Transport
	// Controller 额外的控制器选项（重试策略、卡死超时等）
	Controller []controller.Option
	// SaveDebounce 会话变更后延迟保存的时间
	SaveDebounce time.Duration
	// APIKey 存储中没有凭据时使用的初始值，不会被写回存储
	APIKey string
}

type Client struct {
	store   *conversation.Store
	ctrl    *controller.Controller
	storage storage.Storage
	saver   *debouncer
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu 串行化 Send 的检查、追加与提交
	sendMu sync.Mutex

	mu     sync.Mutex
	apiKey string
	model  string
}

// New 启动时读取一次持久化状态并恢复会话列表
func New(opts Options) (*Client, error) {
	if opts.Storage == nil || opts.Transport == nil {
		return nil, errors.New("storage and transport are required")
	}

	state, err := storage.LoadState(opts.Storage)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	store := conversation.NewStore()
	store.Load(state.Conversations)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:   store,
		ctrl:    controller.New(opts.Transport, store, opts.Controller...),
		storage: opts.Storage,
		log:     logger.WithFields(logrus.Fields{"component": "chat"}),
		ctx:     ctx,
		cancel:  cancel,
		apiKey:  state.APIKey,
		model:   state.SelectedModel,
	}
	if c.apiKey == "" {
		c.apiKey = strings.TrimSpace(opts.APIKey)
	}

	c.saver = newDebouncer(opts.SaveDebounce, func() error {
		return storage.SaveConversations(c.storage, c.store.Snapshot())
	})
	store.Subscribe(func(ch conversation.Change) {
		switch ch.Kind {
		case conversation.ChangeSelected, conversation.ChangeLoaded:
			// 只改变展示状态，会话内容不变
		default:
			c.saver.Trigger()
		}
	})

	c.log.WithFields(logrus.Fields{
		"conversations": len(state.Conversations),
		"model":         c.model,
	}).Info("chat client ready")

	return c, nil
}

// Send 把用户输入追加到当前会话并发起请求。没有当前会话时隐式创建。
// 凭据未确认、输入为空或当前会话已有在途请求时拒绝
func (c *Client) Send(text string) (*controller.PendingRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	apiKey, modelID := c.apiKey, c.model
	c.mu.Unlock()
	if apiKey == "" {
		return nil, ErrNoCredential
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if displayed := c.store.DisplayedID(); displayed != "" && c.ctrl.Pending(displayed) {
		return nil, controller.ErrRequestPending
	}

	convID, _ := c.store.AppendUserMessage(modelID, text)
	history, err := c.store.History(convID)
	if err != nil {
		return nil, err
	}

	return c.ctrl.Submit(c.ctx, controller.SubmitRequest{
		ConversationID: convID,
		History:        history,
		Model:          modelID,
		Credential:     apiKey,
	})
}

// Stop 取消当前展示会话的在途请求
func (c *Client) Stop() error {
	displayed := c.store.DisplayedID()
	if displayed == "" || !c.ctrl.Cancel(displayed) {
		return ErrNoPendingTurn
	}
	return nil
}

// NewChat 开始新对话；原会话的在途请求继续在后台写入
func (c *Client) NewChat() {
	c.store.ClearSelection()
}

// Open 切换到已有会话，并切换到该会话使用的模型
func (c *Client) Open(conversationID string) (model.Conversation, error) {
	conv, err := c.store.Select(conversationID)
	if err != nil {
		return conv, err
	}
	if model.KnownModel(conv.Model) {
		if err := c.SetModel(conv.Model); err != nil {
			c.log.Warnf("failed to switch model: %v", err)
		}
	}
	return conv, nil
}

func (c *Client) Rename(conversationID, title string) error {
	return c.store.Rename(conversationID, title)
}

// Delete 删除会话，先取消其在途请求
func (c *Client) Delete(conversationID string) error {
	c.ctrl.Cancel(conversationID)
	return c.store.Delete(conversationID)
}

// SetCredential 确认并保存凭据
func (c *Client) SetCredential(apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyAPIKey
	}
	if err := storage.SaveAPIKey(c.storage, apiKey); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}

	c.mu.Lock()
	c.apiKey = apiKey
	c.mu.Unlock()
	return nil
}

func (c *Client) ClearCredential() error {
	c.mu.Lock()
	c.apiKey = ""
	c.mu.Unlock()

	return storage.SaveAPIKey(c.storage, "")
}

func (c *Client) SetModel(modelID string) error {
	if !model.KnownModel(modelID) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if err := storage.SaveSelectedModel(c.storage, modelID); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	c.mu.Lock()
	c.model = modelID
	c.mu.Unlock()
	return nil
}

func (c *Client) HasCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey != ""
}

func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Busy 当前展示会话是否有在途请求
func (c *Client) Busy() bool {
	displayed := c.store.DisplayedID()
	return displayed != "" && c.ctrl.Pending(displayed)
}

func (c *Client) Store() *conversation.Store {
	return c.store
}

func (c *Client) Controller() *controller.Controller {
	return c.ctrl
}

// Close 取消所有在途请求并保存剩余变更
func (c *Client) Close() error {
	c.ctrl.CancelAll()
	c.cancel()
	return c.saver.Close()
}
