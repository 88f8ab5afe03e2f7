package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Open returns the store of the given kind. path is only used by file
// stores.
func Open(kind, path string, logger *zap.Logger) (Backend, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindFile:
		if path == "" {
			return nil, fmt.Errorf("file store requires a path")
		}
		return OpenFileStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
