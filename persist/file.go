package persist

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

const (
	recordsDir    = "records"
	indexFileName = "index.json"
	recordSuffix  = ".rec"
)

type FileStoreConfig struct {
	Dir           string `json:"dir"`
	Compress      bool   `json:"compress"`
	EncryptionKey string `json:"encryption_key"`
}

type recordInfo struct {
	File    string    `json:"file"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// FileStore mirrors entries to one record file each plus a lightweight
// index. Writes go through a temp file and rename, so a crash mid-write
// never leaves a half-written record visible on restart. A record that fails
// to parse is deleted and treated as absent.
type FileStore struct {
	logger   types.Logger
	dir      string
	compress bool
	aead     cipher.AEAD
	mu       sync.Mutex
	index    map[string]recordInfo
	closed   bool
}

func NewFileStore(logger types.Logger, config *FileStoreConfig) (*FileStore, error) {
	if config == nil || config.Dir == "" {
		return nil, types.Errorf(types.ErrStoreTypeUnknown, "file store requires a directory")
	}

	if err := os.MkdirAll(filepath.Join(config.Dir, recordsDir), 0755); err != nil {
		return nil, types.WrapError(err, "failed to create cache directory")
	}

	store := &FileStore{
		logger:   logger,
		dir:      config.Dir,
		compress: config.Compress,
		index:    make(map[string]recordInfo),
	}

	if config.EncryptionKey != "" {
		key := sha256.Sum256([]byte(config.EncryptionKey))
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, types.WrapError(err, "failed to initialize record encryption")
		}
		store.aead = aead
	}

	if err := store.loadIndex(); err != nil {
		logger.Warn("Cache index unreadable, rebuilding from records", zap.Error(err))
		store.rebuildIndex()
	}

	return store, nil
}

func (s *FileStore) Save(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache record")
	}

	encoded, err := s.encode(data)
	if err != nil {
		return err
	}

	fileName := utils.HashString(entry.Key) + recordSuffix

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	path := filepath.Join(s.dir, recordsDir, fileName)
	if err := atomicWrite(path, encoded); err != nil {
		return types.WrapError(err, "failed to write cache record")
	}

	s.index[entry.Key] = recordInfo{
		File:    fileName,
		Size:    int64(len(encoded)),
		SavedAt: time.Now(),
	}

	return s.saveIndexLocked()
}

func (s *FileStore) Load(ctx context.Context, key string) (*types.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	info, ok := s.index[key]
	if !ok {
		return nil, types.ErrStoreNotFound
	}

	entry, err := s.readRecordLocked(key, info)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	info, ok := s.index[key]
	if !ok {
		return nil
	}

	delete(s.index, key)
	if err := os.Remove(filepath.Join(s.dir, recordsDir, info.File)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove cache record",
			zap.String("key", key), zap.Error(err))
	}

	return s.saveIndexLocked()
}

func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	keys := make([]string, 0, len(s.index))
	for key := range s.index {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *FileStore) LoadAll(ctx context.Context) ([]*types.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	entries := make([]*types.CacheEntry, 0, len(s.index))
	for key, info := range s.index {
		entry, err := s.readRecordLocked(key, info)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *FileStore) Usage(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, info := range s.index {
		total += info.Size
	}
	return total, nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	for key, info := range s.index {
		delete(s.index, key)
		_ = os.Remove(filepath.Join(s.dir, recordsDir, info.File))
	}

	return s.saveIndexLocked()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveIndexLocked()
}

// readRecordLocked loads and decodes one record. Corrupt records are deleted
// and reported as absent, never propagated as errors.
func (s *FileStore) readRecordLocked(key string, info recordInfo) (*types.CacheEntry, error) {
	path := filepath.Join(s.dir, recordsDir, info.File)

	encoded, err := os.ReadFile(path)
	if err != nil {
		delete(s.index, key)
		_ = s.saveIndexLocked()
		return nil, types.ErrStoreNotFound
	}

	data, err := s.decode(encoded)
	if err != nil {
		s.dropCorruptLocked(key, path, err)
		return nil, types.ErrStoreNotFound
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		s.dropCorruptLocked(key, path, err)
		return nil, types.ErrStoreNotFound
	}

	if entry.Key != key {
		s.dropCorruptLocked(key, path, types.ErrStoreCorruptRecord)
		return nil, types.ErrStoreNotFound
	}

	return &entry, nil
}

func (s *FileStore) dropCorruptLocked(key, path string, err error) {
	s.logger.Warn("Dropping corrupt cache record",
		zap.String("key", key), zap.Error(err))
	delete(s.index, key)
	_ = os.Remove(path)
	_ = s.saveIndexLocked()
}

func (s *FileStore) encode(data []byte) ([]byte, error) {
	if s.compress {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, types.WrapError(err, "failed to compress cache record")
		}
		if err := w.Close(); err != nil {
			return nil, types.WrapError(err, "failed to compress cache record")
		}
		data = buf.Bytes()
	}

	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, types.WrapError(err, "failed to generate record nonce")
		}
		data = s.aead.Seal(nonce, nonce, data, nil)
	}

	return data, nil
}

func (s *FileStore) decode(data []byte) ([]byte, error) {
	if s.aead != nil {
		nonceSize := s.aead.NonceSize()
		if len(data) < nonceSize {
			return nil, types.ErrStoreCorruptRecord
		}
		plain, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
		if err != nil {
			return nil, types.Errorf(types.ErrStoreCorruptRecord, "decrypt: %v", err)
		}
		data = plain
	}

	if s.compress {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, types.Errorf(types.ErrStoreCorruptRecord, "decompress: %v", err)
		}
		data = decompressed
	}

	return data, nil
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			s.rebuildIndex()
			return nil
		}
		return err
	}

	index := make(map[string]recordInfo)
	if err := utils.Unmarshal(data, &index); err != nil {
		return err
	}

	s.index = index
	s.reconcileIndex()
	return nil
}

func (s *FileStore) saveIndexLocked() error {
	data, err := utils.Marshal(s.index)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache index")
	}
	return atomicWrite(filepath.Join(s.dir, indexFileName), data)
}

// rebuildIndex reconstructs the index by scanning record files; records are
// authoritative, the index is a locator.
func (s *FileStore) rebuildIndex() {
	s.index = make(map[string]recordInfo)

	dir := filepath.Join(s.dir, recordsDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), recordSuffix) {
			continue
		}

		path := filepath.Join(dir, f.Name())
		encoded, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		data, err := s.decode(encoded)
		if err != nil {
			_ = os.Remove(path)
			continue
		}

		var entry types.CacheEntry
		if err := utils.Unmarshal(data, &entry); err != nil || entry.Key == "" {
			_ = os.Remove(path)
			continue
		}

		info, statErr := f.Info()
		var savedAt time.Time
		if statErr == nil {
			savedAt = info.ModTime()
		}

		s.index[entry.Key] = recordInfo{
			File:    f.Name(),
			Size:    int64(len(encoded)),
			SavedAt: savedAt,
		}
	}

	_ = s.saveIndexLocked()
}

// reconcileIndex drops index entries whose record files are gone.
func (s *FileStore) reconcileIndex() {
	for key, info := range s.index {
		if _, err := os.Stat(filepath.Join(s.dir, recordsDir, info.File)); err != nil {
			delete(s.index, key)
		}
	}
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
