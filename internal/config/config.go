// Package config manages the on-device persisted profile: IoT client
// identity, API version, topic root, speaker buffer sizing, and timeouts
// (SPEC_FULL.md §3 "Configuration"). JSON-backed with the same
// Default/Load/Save/Path shape as the teacher's internal/config package.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Profile holds the persistent device configuration.
type Profile struct {
	ClientID   string `json:"client_id"`
	APIVersion string `json:"api_version"`
	TopicRoot  string `json:"topic_root"`

	SpeakerBufferSize       int `json:"speaker_buffer_size"`
	OverrunWarningThreshold int `json:"overrun_warning_threshold"`
	UnderrunWarningThreshold int `json:"underrun_warning_threshold"`

	SequencerTimeout time.Duration `json:"sequencer_timeout"`
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	DisconnectTimeout time.Duration `json:"disconnect_timeout"`
	MaxBackoffMs     int64         `json:"max_backoff_ms"`
}

// Default returns a Profile populated with sensible defaults.
func Default() Profile {
	return Profile{
		APIVersion: "1",
		TopicRoot:  "",

		SpeakerBufferSize:        64 * 1024,
		OverrunWarningThreshold:  8 * 1024,
		UnderrunWarningThreshold: 4 * 1024,

		SequencerTimeout:  5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		MaxBackoffMs:      60_000,
	}
}

// Path returns the absolute path to the device profile file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "aia", "profile.json"), nil
}

// Load reads the device profile from disk. If the file is missing or
// unreadable, the default profile is returned — never an error, matching
// the teacher's "config is advisory, never fatal" convention.
func Load() Profile {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	p := Default()
	if err := json.Unmarshal(data, &p); err != nil {
		return Default()
	}
	return p
}

// Save writes p to disk, creating the containing directory if needed.
func Save(p Profile) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
