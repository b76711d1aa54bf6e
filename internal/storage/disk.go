package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leonaiuv/ai-chat-app/pkg/logger"
)

// DiskStorage 每个键一个文件，写入先落临时文件再 rename，保证原子性
type DiskStorage struct {
	dataDir string
	mu      sync.RWMutex
	cache   map[string][]byte
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func NewDiskStorage(dataDir string) *DiskStorage {
	return &DiskStorage{
		dataDir: dataDir,
		cache:   make(map[string][]byte),
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s", d.dataDir)
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "state"),
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) path(key string) string {
	return filepath.Join(d.dataDir, "state", key+".json")
}

func (d *DiskStorage) Get(key string) ([]byte, error) {
	if !validKey.MatchString(key) {
		return nil, ErrInvalidKey
	}

	d.mu.RLock()
	if value, exists := d.cache[key]; exists {
		d.mu.RUnlock()
		return append([]byte(nil), value...), nil
	}
	d.mu.RUnlock()

	// 未命中时在写锁内读文件，避免并发的 Put/Delete 被旧内容覆盖
	d.mu.Lock()
	defer d.mu.Unlock()
	if value, exists := d.cache[key]; exists {
		return append([]byte(nil), value...), nil
	}

	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.cache[key] = data

	return append([]byte(nil), data...), nil
}

func (d *DiskStorage) Put(key string, value []byte) error {
	if !validKey.MatchString(key) {
		return ErrInvalidKey
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(key)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, value, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[key] = append([]byte(nil), value...)
	return nil
}

func (d *DiskStorage) Delete(key string) error {
	if !validKey.MatchString(key) {
		return ErrInvalidKey
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, key)
	return nil
}

func (d *DiskStorage) Keys() ([]string, error) {
	files, err := os.ReadDir(filepath.Join(d.dataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	var keys []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)

	return keys, nil
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string][]byte)
	return nil
}

// Backup 把当前状态文件复制到 backup/backup_<unix> 目录
func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().UnixNano()))
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	srcDir := filepath.Join(d.dataDir, "state")
	files, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, file.Name()), filepath.Join(backupDir, file.Name())); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	logger.Infof("Backup completed: %s", backupDir)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0600)
}
