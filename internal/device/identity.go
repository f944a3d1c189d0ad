// Package device manages the simulated device's stable identity.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IDFile is the name of the identity file inside the data directory.
const IDFile = "device_id"

// LoadOrCreateID returns the device ID persisted in dataDir, generating
// and writing a new UUIDv7 when none exists. The data directory is
// created if missing. An empty or whitespace-only file is treated as
// absent.
func LoadOrCreateID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, IDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device ID: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// Resolve returns configured when it is non-empty, otherwise the
// persisted ID from dataDir.
func Resolve(configured, dataDir string) (string, error) {
	if s := strings.TrimSpace(configured); s != "" {
		return s, nil
	}
	return LoadOrCreateID(dataDir)
}
