package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/smallbiznis/invora/internal/config"
	"go.uber.org/zap"
)

// Store keeps uploaded documents addressable by an opaque identifier.
type Store interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
	Download(ctx context.Context, id string) ([]byte, error)
}

type localStore struct {
	dir string
	log *zap.Logger
}

// NewLocalStore writes documents under the configured upload directory.
func NewLocalStore(cfg config.Config, log *zap.Logger) (Store, error) {
	dir := cfg.UploadDir
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &localStore{dir: dir, log: log.Named("filestore")}, nil
}

func (s *localStore) Upload(ctx context.Context, data []byte, name string) (string, error) {
	id := uuid.NewString()
	ext := filepath.Ext(name)
	path := filepath.Join(s.dir, id+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	s.log.Debug("stored document",
		zap.String("file_id", id),
		zap.String("name", name),
		zap.Int("size", len(data)),
	)
	return id + ext, nil
}

func (s *localStore) Download(ctx context.Context, id string) ([]byte, error) {
	// The identifier is issued by Upload; reject anything path-like.
	if filepath.Base(id) != id {
		return nil, fmt.Errorf("invalid file id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}
