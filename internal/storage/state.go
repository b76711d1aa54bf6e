package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"
)

const (
	KeyAPIKey        = "deepseek-api-key"
	KeySelectedModel = "deepseek-selected-model"
	KeyConversations = "deepseek-conversations"
)

// State 客户端持久化状态：凭据、所选模型和会话列表
type State struct {
	APIKey        string
	SelectedModel string
	Conversations []model.Conversation
}

// LoadState 读取三个键。缺失的键取零值；会话数据损坏时丢弃并记录警告
func LoadState(s Storage) (State, error) {
	var st State

	key, err := s.Get(KeyAPIKey)
	switch {
	case err == nil:
		st.APIKey = string(key)
	case !errors.Is(err, ErrNotFound):
		return st, fmt.Errorf("load %s: %w", KeyAPIKey, err)
	}

	m, err := s.Get(KeySelectedModel)
	switch {
	case err == nil:
		st.SelectedModel = string(m)
	case !errors.Is(err, ErrNotFound):
		return st, fmt.Errorf("load %s: %w", KeySelectedModel, err)
	}
	if !model.KnownModel(st.SelectedModel) {
		st.SelectedModel = model.DefaultModel
	}

	raw, err := s.Get(KeyConversations)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &st.Conversations); err != nil {
			logger.Warnf("discarding unreadable %s: %v", KeyConversations, err)
			st.Conversations = nil
		}
	case !errors.Is(err, ErrNotFound):
		return st, fmt.Errorf("load %s: %w", KeyConversations, err)
	}

	return st, nil
}

// SaveAPIKey 空字符串表示清除凭据
func SaveAPIKey(s Storage, key string) error {
	if key == "" {
		if err := s.Delete(KeyAPIKey); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
	return s.Put(KeyAPIKey, []byte(key))
}

func SaveSelectedModel(s Storage, modelID string) error {
	return s.Put(KeySelectedModel, []byte(modelID))
}

func SaveConversations(s Storage, conversations []model.Conversation) error {
	if conversations == nil {
		conversations = []model.Conversation{}
	}
	data, err := json.Marshal(conversations)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return s.Put(KeyConversations, data)
}
