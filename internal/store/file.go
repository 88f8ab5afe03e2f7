package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const fileFormatVersion = 1

// record is the on-disk form of one entry.
type record struct {
	Token     string `cbor:"1,keyasint"`
	UpdatedAt int64  `cbor:"2,keyasint"` // unix nanoseconds
}

type fileSnapshot struct {
	Version  int               `cbor:"1,keyasint"`
	Sessions map[string]record `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileStore keeps every session position in one zstd compressed CBOR file.
// The whole table is rewritten through a temp file and an atomic rename on
// each put, so a crash leaves either the old or the new file.
type FileStore struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry

	// writeMu serializes file rewrites.
	writeMu sync.Mutex
	enc     *zstd.Encoder
}

// OpenFileStore loads path if it exists and returns a store backed by it.
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	s := &FileStore{
		path:    path,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]Entry),
		enc:     enc,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading store file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return fmt.Errorf("decompressing store file: %w", err)
	}

	var snap fileSnapshot
	if err := decMode.Unmarshal(plain, &snap); err != nil {
		return fmt.Errorf("decoding store file: %w", err)
	}
	if snap.Version != fileFormatVersion {
		return fmt.Errorf("store file version %d not supported", snap.Version)
	}

	for key, r := range snap.Sessions {
		s.entries[key] = Entry{
			SessionKey: key,
			Token:      r.Token,
			UpdatedAt:  time.Unix(0, r.UpdatedAt),
		}
	}
	s.logger.Debug("loaded session store",
		zap.String("path", s.path),
		zap.Int("sessions", len(s.entries)),
	)
	return nil
}

func (s *FileStore) GetLastToken(ctx context.Context, sessionKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionKey]
	if !ok {
		return "", ErrNotFound
	}
	return e.Token, nil
}

func (s *FileStore) PutLastToken(ctx context.Context, sessionKey, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(ctx, func(entries map[string]Entry) {
		entries[sessionKey] = Entry{
			SessionKey: sessionKey,
			Token:      token,
			UpdatedAt:  s.now(),
		}
	})
}

func (s *FileStore) DeleteSession(ctx context.Context, sessionKey string) error {
	s.mu.RLock()
	_, ok := s.entries[sessionKey]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	return s.commit(ctx, func(entries map[string]Entry) {
		delete(entries, sessionKey)
	})
}

// List returns all entries sorted by session key.
func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedEntries(s.entries), nil
}

// commit applies change to a copy of the table and rewrites the file with
// it. Readers see the copy only once the file write has succeeded.
func (s *FileStore) commit(ctx context.Context, change func(map[string]Entry)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	next := maps.Clone(s.entries)
	s.mu.RUnlock()
	change(next)

	snap := fileSnapshot{
		Version:  fileFormatVersion,
		Sessions: make(map[string]record, len(next)),
	}
	for key, e := range next {
		snap.Sessions[key] = record{Token: e.Token, UpdatedAt: e.UpdatedAt.UnixNano()}
	}

	plain, err := encMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	if err := writeFileAtomic(s.path, s.enc.EncodeAll(plain, nil)); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return nil
}

// Close releases the compressor.
func (s *FileStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Close()
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

var _ Backend = (*FileStore)(nil)
