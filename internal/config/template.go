package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

const TemplateFile = "config.yaml"

// GenerateTemplateConfig returns the default settings and, when path is
// not empty, writes them there as YAML.
func GenerateTemplateConfig(path string) (Config, error) {
	cfg := Config{
		LogLevel: "info",
		LogFile:  "",

		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(DataDir(), "apiforward.db"),
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				DB:     0,
				Prefix: "apiforward",
			},
		},

		API: APIConfig{
			Addr:   "127.0.0.1:9092",
			Secret: "",
		},

		ExportDir:      DataDir(),
		ForwardTimeout: 10 * time.Second,
	}

	if path != "" {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
