package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "IntegraFlow/internal/errors"
)

type fileEntry struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type fileDocument struct {
	Entries map[string]fileEntry `json:"entries"`
}

// FileStore 将缓存持久化为本地 JSON 文件，每个命名空间一个文件。
// 校验命名空间的条目不携带 expires_at 字段，数据命名空间按 TTL 过期。
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewFileStore 创建 FileStore 并确保目录存在。
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缓存目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "创建缓存目录失败")
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Get 实现 Store 接口。
func (f *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, path, err := f.load(key)
	if err != nil {
		return nil, false, err
	}
	entry, ok := doc.Entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.ExpiresAt != nil && f.now().After(*entry.ExpiresAt) {
		delete(doc.Entries, key)
		if err := f.save(path, doc); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Put 实现 Store 接口。
func (f *FileStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缓存键不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, path, err := f.load(key)
	if err != nil {
		return err
	}
	entry := fileEntry{Value: value}
	if ttl > 0 {
		expires := f.now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	doc.Entries[key] = entry
	return f.save(path, doc)
}

// Invalidate 实现 Store 接口。
func (f *FileStore) Invalidate(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, path, err := f.load(key)
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[key]; !ok {
		return nil
	}
	delete(doc.Entries, key)
	return f.save(path, doc)
}

// Sweep 遍历所有命名空间文件并回收过期条目。
func (f *FileStore) Sweep(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(f.dir, "*_cache.json"))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeCacheFailure, err, "枚举缓存文件失败")
	}
	now := f.now()
	reclaimed := 0
	for _, path := range matches {
		doc, err := f.loadPath(path)
		if err != nil {
			return reclaimed, err
		}
		dirty := false
		for key, entry := range doc.Entries {
			if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
				delete(doc.Entries, key)
				reclaimed++
				dirty = true
			}
		}
		if dirty {
			if err := f.save(path, doc); err != nil {
				return reclaimed, err
			}
		}
	}
	return reclaimed, nil
}

// Close 实现 Store 接口。
func (f *FileStore) Close() error { return nil }

func (f *FileStore) pathFor(key string) string {
	namespace := key
	if idx := strings.Index(key, ":"); idx > 0 {
		namespace = key[:idx]
	}
	return filepath.Join(f.dir, namespace+"_cache.json")
}

func (f *FileStore) load(key string) (*fileDocument, string, error) {
	path := f.pathFor(key)
	doc, err := f.loadPath(path)
	return doc, path, err
}

func (f *FileStore) loadPath(path string) (*fileDocument, error) {
	doc := &fileDocument{Entries: map[string]fileEntry{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "读取缓存文件失败")
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "解析缓存文件失败")
	}
	if doc.Entries == nil {
		doc.Entries = map[string]fileEntry{}
	}
	return doc, nil
}

func (f *FileStore) save(path string, doc *fileDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "编码缓存文件失败")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "写入缓存文件失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "替换缓存文件失败")
	}
	return nil
}
