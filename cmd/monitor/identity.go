package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// identity is the agent the monitor speaks for. It is cached on disk so the
// same name is reused across sessions.
type identity struct {
	AgentName string `toml:"agent_name"`
	BaseURL   string `toml:"base_url"`
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claw_council", "monitor.toml")
	}
	return filepath.Join(home, ".claw_council", "monitor.toml")
}

// loadIdentity reads the cache. A missing file yields an empty identity.
func loadIdentity(path string) (identity, error) {
	var id identity
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return identity{}, nil
		}
		return identity{}, fmt.Errorf("read identity cache: %w", err)
	}
	if _, err := toml.Decode(string(data), &id); err != nil {
		return identity{}, fmt.Errorf("decode identity cache: %w", err)
	}
	id.AgentName = strings.TrimSpace(id.AgentName)
	return id, nil
}

func saveIdentity(path string, id identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create identity cache: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(id); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode identity cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close identity cache: %w", err)
	}
	return nil
}
