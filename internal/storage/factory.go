package storage

import (
	"fmt"

	"github.com/leonaiuv/ai-chat-app/internal/config"
)

// New 按配置创建并初始化存储
func New(cfg config.StorageConfig) (Storage, error) {
	var s Storage
	switch cfg.Type {
	case "memory":
		s = NewMemoryStorage()
	case "disk", "":
		s = NewDiskStorage(cfg.DataDir)
	case "badger":
		s = NewBadgerStorage(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}
