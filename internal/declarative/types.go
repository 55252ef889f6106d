package declarative

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type ActionType string

const (
	ActionRedirect      ActionType = "redirect"
	ActionModifyHeaders ActionType = "modifyHeaders"
)

type HeaderOperation string

const (
	HeaderSet    HeaderOperation = "set"
	HeaderRemove HeaderOperation = "remove"
)

// Rule is a host-enforced rule derived from the user rule set.
type Rule struct {
	ID        int       `json:"id"`
	Priority  int       `json:"priority"`
	Action    Action    `json:"action"`
	Condition Condition `json:"condition"`
}

type Action struct {
	Type           ActionType   `json:"type"`
	Redirect       *Redirect    `json:"redirect,omitempty"`
	RequestHeaders []HeaderInfo `json:"requestHeaders,omitempty"`
}

type Redirect struct {
	URL string `json:"url"`
}

type HeaderInfo struct {
	Header    string          `json:"header"`
	Operation HeaderOperation `json:"operation"`
	Value     string          `json:"value,omitempty"`
}

type Condition struct {
	RegexFilter              string   `json:"regexFilter"`
	IsURLFilterCaseSensitive *bool    `json:"isUrlFilterCaseSensitive,omitempty"`
	RequestMethods           []string `json:"requestMethods,omitempty"`
	ResourceTypes            []string `json:"resourceTypes,omitempty"`
}

func (r Rule) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("id", r.ID),
		slog.String("type", string(r.Action.Type)),
		slog.String("regexFilter", r.Condition.RegexFilter),
	}
	if r.Action.Redirect != nil {
		attrs = append(attrs, slog.String("redirect", r.Action.Redirect.URL))
	}
	return slog.GroupValue(attrs...)
}

// SaveJSON writes rules as an indented JSON array, creating parent
// directories as needed.
func SaveJSON(path string, rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
