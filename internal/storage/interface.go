package storage

// Storage 持久化键值存储，值为不透明的字节块
type Storage interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)

	// 存储管理
	Init() error
	Close() error
	Backup() error
}
