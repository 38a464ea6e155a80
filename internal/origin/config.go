package origin

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the target application configuration
type Config struct {
	Name  string   `yaml:"name"`
	Hosts []string `yaml:"hosts"`
}

// LoadConfig loads the target host list with 3-level fallback:
// 1. Explicit path (--hosts-config flag)
// 2. Home directory (~/.waguard/hosts.yaml)
// 3. Embedded default (passed as defaultData)
func LoadConfig(path string, defaultData []byte) (*Config, error) {
	data, err := readConfig(path, defaultData)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if len(config.Hosts) == 0 {
		return nil, errors.New("hosts config lists no hosts")
	}

	return &config, nil
}

func readConfig(path string, defaultData []byte) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}

	if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, ".waguard", "hosts.yaml")
		if data, err := os.ReadFile(homeConfig); err == nil {
			return data, nil
		}
	}

	return defaultData, nil
}
