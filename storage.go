package tggl

import (
	"context"
	"os"

	"github.com/tggl-io/tggl-go-client/flagengine"
)

const (
	clientStateType       = "TgglClientState"
	remoteClientStateType = "TgglRemoteClientState"
)

// Storage persists the last known flag state between runs so a client
// can serve flags before its first fetch completes. Implementations
// must be safe for concurrent use. All storage errors are best-effort
// and never block startup or evaluation.
type Storage interface {
	// Load returns the previously saved state, or (nil, nil) when
	// nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}

// clientState is the serialized envelope written to storage. The type
// tag tells a Client state apart from a RemoteClient state, and the
// date decides which of several storages holds the freshest copy.
type clientState struct {
	Type   string                      `json:"type"`
	Date   int64                       `json:"date"`
	Config map[string]*flagengine.Flag `json:"config,omitempty"`
	Flags  map[string]any              `json:"flags,omitempty"`
}

// FileStorage persists the flag state to a single file on disk.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (s *FileStorage) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	return data, nil
}

func (s *FileStorage) Save(_ context.Context, data []byte) error {
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *FileStorage) Close() error {
	return nil
}
