package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the client's persistent configuration. PortSubdomains remembers
// which subdomain each local port was published under, so reconnects and
// restarts keep the same public URL.
type Config struct {
	ServerURL      string            `json:"serverUrl"`
	APIKey         string            `json:"apiKey"`
	PortSubdomains map[string]string `json:"portSubdomains,omitempty"`
}

// DefaultConfigPath returns the default location of the client config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tunneld", "config.json")
}

// LoadConfig reads the config at path. A missing file is not an error; it
// returns an empty config so flags alone can drive a first run.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes the config to path, creating the directory as needed.
// The file holds the API key, so permissions stay owner-only.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Subdomain returns the remembered subdomain for a local port, if any.
func (c *Config) Subdomain(port int) string {
	return c.PortSubdomains[strconv.Itoa(port)]
}

// RememberSubdomain records the subdomain the server assigned for a port.
// It reports whether the mapping changed and needs saving.
func (c *Config) RememberSubdomain(port int, subdomain string) bool {
	key := strconv.Itoa(port)
	if c.PortSubdomains[key] == subdomain {
		return false
	}
	if c.PortSubdomains == nil {
		c.PortSubdomains = make(map[string]string)
	}
	c.PortSubdomains[key] = subdomain
	return true
}
