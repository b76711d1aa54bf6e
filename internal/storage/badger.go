package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStorage 基于 BadgerDB 的键值存储。dataDir 为空时使用内存模式
type BadgerStorage struct {
	dataDir string
	db      *badger.DB
}

// badgerLogger 把 badger 内部日志接到项目 logger，并降一级输出
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Errorf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warnf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.Debugf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logger.Debugf("badger: "+format, args...)
}

func NewBadgerStorage(dataDir string) *BadgerStorage {
	return &BadgerStorage{dataDir: dataDir}
}

func (b *BadgerStorage) Init() error {
	var opts badger.Options
	if b.dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := filepath.Join(b.dataDir, "badger")
		if err := os.MkdirAll(path, 0750); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("%w: open badger database: %v", ErrStorageInit, err)
	}
	b.db = db

	logger.Infof("Badger storage initialized (in_memory=%v)", b.dataDir == "")
	return nil
}

func (b *BadgerStorage) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return value, nil
}

func (b *BadgerStorage) Put(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), append([]byte(nil), value...))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (b *BadgerStorage) Delete(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

func (b *BadgerStorage) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	sort.Strings(keys)

	return keys, nil
}

func (b *BadgerStorage) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Backup 全量备份到 backup/badger_<unix>.bak；内存模式下不做任何事
func (b *BadgerStorage) Backup() error {
	if b.dataDir == "" {
		return nil
	}

	dir := filepath.Join(b.dataDir, "backup")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("badger_%d.bak", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	defer f.Close()

	if _, err := b.db.Backup(f, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("Backup completed: %s", path)
	return nil
}
