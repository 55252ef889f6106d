package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

const DefaultHistoryLimit = 500

// Config is the user-facing configuration shared by every context.
type Config struct {
	Enabled          bool          `json:"enabled"`
	Forward          ForwardConfig `json:"forward"`
	SensitiveKeys    []string      `json:"sensitiveKeys"`
	HistoryLimit     int           `json:"historyLimit" validate:"gte=0"`
	HistoryMatchOnly bool          `json:"historyMatchOnly"`
}

type ForwardConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url" validate:"omitempty,url"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Forward:          ForwardConfig{Enabled: false, URL: ""},
		SensitiveKeys:    []string{"authorization", "token", "password", "cookie"},
		HistoryLimit:     DefaultHistoryLimit,
		HistoryMatchOnly: false,
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Limit returns the effective history limit.
func (c *Config) Limit() int {
	if c.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return c.HistoryLimit
}

// IsSensitive reports whether name is one of the sensitive keys,
// ignoring case.
func (c *Config) IsSensitive(name string) bool {
	for _, k := range c.SensitiveKeys {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// ShouldForward reports whether traffic matched by r goes to the
// forwarding channel.
func (c *Config) ShouldForward(r *Rule) bool {
	return r != nil && r.Forward && c.Forward.URL != ""
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("enabled", c.Enabled),
		slog.Bool("forward.enabled", c.Forward.Enabled),
		slog.String("forward.url", c.Forward.URL),
		slog.Int("historyLimit", c.HistoryLimit),
		slog.Bool("historyMatchOnly", c.HistoryMatchOnly),
	)
}

// MergeConfig shallow-merges the JSON object patch over base: top-level
// keys present in patch replace the corresponding fields, everything else
// is kept. A nested object such as forward is replaced as a whole.
func MergeConfig(base Config, patch json.RawMessage) (Config, error) {
	if len(patch) == 0 || string(patch) == "null" {
		return base, nil
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(baseJSON, &fields); err != nil {
		return base, err
	}
	var over map[string]json.RawMessage
	if err := json.Unmarshal(patch, &over); err != nil {
		return base, fmt.Errorf("config patch must be an object: %w", err)
	}
	for k, v := range over {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return base, err
	}
	var out Config
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, fmt.Errorf("decode merged config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("invalid config: %w", err)
	}
	return out, nil
}

// ConfigFromStored merges a stored config object over the defaults.
func ConfigFromStored(stored json.RawMessage) (Config, error) {
	return MergeConfig(DefaultConfig(), stored)
}
