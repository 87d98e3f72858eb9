package bundle

import (
	"fmt"
	"log/slog"

	"github.com/sphinx-labs/deployer/internal/infra/filesystem"
	"github.com/sphinx-labs/deployer/internal/logger"
)

// Store persists bundles as JSON and re-validates them on load, since every
// proof is stale if any leaf or the root was edited on disk.
type Store struct {
	reader filesystem.Reader
	writer filesystem.Writer
	logger *slog.Logger
}

// NewStore creates a new bundle store
func NewStore(reader filesystem.Reader, writer filesystem.Writer) *Store {
	return &Store{
		reader: reader,
		writer: writer,
		logger: logger.Named("bundle_store"),
	}
}

// Save writes the bundle to path.
func (s *Store) Save(path string, b Bundle) error {
	if err := s.writer.WriteJSON(path, b); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}

	s.logger.
		With("path", path).
		With("root", b.Root.Hex()).
		With("leaves", len(b.Leaves)).
		Info("bundle saved")

	return nil
}

// Load reads a bundle from path and verifies every proof.
func (s *Store) Load(path string) (Bundle, error) {
	var b Bundle
	if err := s.reader.ReadJSON(path, &b); err != nil {
		return Bundle{}, fmt.Errorf("failed to read bundle: %w", err)
	}

	if err := b.Validate(); err != nil {
		return Bundle{}, fmt.Errorf("bundle at %s is invalid: %w", path, err)
	}

	s.logger.With("path", path).With("root", b.Root.Hex()).Debug("bundle loaded")

	return b, nil
}
