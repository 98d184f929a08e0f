// Package settings persists the small set of user preferences the
// supervisor keeps across restarts, per the external-interfaces contract:
// one JSON document, defaults on missing or malformed content, best-effort
// writes.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const fileName = "supervisor-settings.json"

// Settings is the persisted document. Every field is optional, but Load
// substitutes Defaults() only for a missing or unparsable file: a field
// absent from a parsed file keeps its zero value.
type Settings struct {
	AIProvider       string `json:"ai_provider,omitempty"`
	AIModel          string `json:"ai_model,omitempty"`
	AutoDebugEnabled bool   `json:"auto_debug_enabled"`
}

// Defaults returns the baseline settings used when no file exists or the
// file on disk can't be parsed.
func Defaults() Settings {
	return Settings{
		AIProvider:       "anthropic",
		AIModel:          "claude",
		AutoDebugEnabled: true,
	}
}

// Load reads supervisor-settings.json from dir. A missing file or invalid
// JSON both yield Defaults() without an error, per the round-trip law.
func Load(dir string) Settings {
	path := filepath.Join(dir, fileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults()
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Defaults()
	}
	return s
}

// Save writes s to dir as JSON. Failures are the caller's to log; this
// function never returns an error it considers fatal to the caller's flow,
// matching the "writes are best-effort" contract — but the error is still
// returned so the caller can log it.
func Save(dir string, s Settings) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fileName)
	return os.WriteFile(path, raw, 0o600)
}
