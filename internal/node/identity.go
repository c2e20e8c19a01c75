package node

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const identityFile = "identity"

// loadIdentity returns the name the node ID is derived from. A configured
// name wins; otherwise the name persisted under dir is reused, and a fresh
// one is generated and persisted on first start.
func loadIdentity(dir, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		name := strings.TrimSpace(string(data))
		if name == "" {
			return "", fmt.Errorf("identity file %s is empty", path)
		}
		return name, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read identity: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	name := uuid.NewString()
	if err := os.WriteFile(path, []byte(name+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	return name, nil
}
