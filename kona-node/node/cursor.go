package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/succinctlabs/kona/kona-node/rollup/derive"
)

// readCursor loads the derivation cursor from path. A missing file is not an error, the
// pipeline then starts with a regular reset.
func readCursor(path string) (*derive.PipelineCursor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read derivation cursor: %w", err)
	}
	return derive.ParsePipelineCursor(data)
}

// writeCursor replaces the cursor file atomically.
func writeCursor(path string, c *derive.PipelineCursor) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode derivation cursor: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create derivation cursor file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write derivation cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write derivation cursor: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// removeCursor drops a stale cursor, so a crash after this run does not restore it.
func removeCursor(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove derivation cursor: %w", err)
	}
	return nil
}
