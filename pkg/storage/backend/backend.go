// Package backend provides storage backend implementations for pipeline outputs.
// All backends implement types.BackendStorage interface.
package backend

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
)

// ErrNotFound is returned (wrapped) when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Registry holds registered backend factories
var (
	registryMu sync.RWMutex
	registry   = make(map[types.StorageType]Factory)
)

// Factory creates a BackendStorage from config
type Factory func(cfg types.BackendConfig) (types.BackendStorage, error)

// Register adds a factory for a storage type
func Register(t types.StorageType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New creates a BackendStorage from config. An empty type means local.
func New(cfg types.BackendConfig) (types.BackendStorage, error) {
	if cfg.Type == "" {
		cfg.Type = types.StorageTypeLocal
	}

	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	return f(cfg)
}

// CleanKey validates an object key. Keys are flat or slash separated
// relative names; absolute keys and ".." segments are refused.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	return path.Clean(key), nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
