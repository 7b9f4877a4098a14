package copr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
)

const configSection = "copr-cli"

// Config is the subset of the copr-cli configuration file used by this tool.
type Config struct {
	Login    string
	Username string
	Token    string
	URL      string
}

// Account is the Copr user the configuration authenticates as.
func (c Config) Account() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Login
}

// DefaultConfigPath returns the location copr-cli reads its configuration from.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "copr"), nil
}

// WriteConfig stores a copr-cli configuration blob at path, readable only by the owner.
func WriteConfig(path string, blob []byte) error {
	if len(strings.TrimSpace(string(blob))) == 0 {
		return errors.New("copr config is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write copr config: %w", err)
	}
	return nil
}

// LoadConfig parses a copr-cli INI file.
func LoadConfig(path string) (Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("load copr config: %w", err)
	}
	if !f.HasSection(configSection) {
		return Config{}, fmt.Errorf("copr config %s has no [%s] section", path, configSection)
	}
	sec := f.Section(configSection)
	cfg := Config{
		Login:    strings.TrimSpace(sec.Key("login").String()),
		Username: strings.TrimSpace(sec.Key("username").String()),
		Token:    strings.TrimSpace(sec.Key("token").String()),
		URL:      strings.TrimSpace(sec.Key("copr_url").String()),
	}
	if cfg.URL == "" {
		cfg.URL = DefaultBaseURL
	}
	return cfg, nil
}
