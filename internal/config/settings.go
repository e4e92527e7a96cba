package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DEFAULT_SYNC_PORT                = 8765
	DEFAULT_SYNC_REQUEST_RATE        = 1.0
	DEFAULT_SYNC_REQUEST_BURST       = 3
	DEFAULT_NEGOTIATION_TIMEOUT_SECS = 30
)

type Settings struct {
	DeviceID          string       `json:"device_id,omitempty"`
	DeviceIDCreatedAt *time.Time   `json:"device_id_created_at,omitempty"`
	Sync              SyncSettings `json:"sync"`

	path string
}

type SyncSettings struct {
	Port                      int     `json:"port"`
	AdvertiseMDNS             bool    `json:"advertise_mdns"`
	RequestRate               float64 `json:"request_rate"`
	RequestBurst              int     `json:"request_burst"`
	NegotiationTimeoutSeconds int     `json:"negotiation_timeout_seconds"`
}

func (s SyncSettings) NegotiationTimeout() time.Duration {
	return time.Duration(s.NegotiationTimeoutSeconds) * time.Second
}

func DefaultSettingsPath() string {
	if path := os.Getenv(EnvKeySettingsPath); path != "" {
		return path
	}

	return filepath.Join(ConfigDir(), "settings.json")
}

func DefaultSettings() *Settings {
	return &Settings{
		Sync: SyncSettings{
			Port:                      DEFAULT_SYNC_PORT,
			AdvertiseMDNS:             true,
			RequestRate:               DEFAULT_SYNC_REQUEST_RATE,
			RequestBurst:              DEFAULT_SYNC_REQUEST_BURST,
			NegotiationTimeoutSeconds: DEFAULT_NEGOTIATION_TIMEOUT_SECS,
		},
	}
}

func LoadOrInitializeSettingsFromDefaultLocation() (bool, *Settings) {
	return LoadOrInitializeSettings(DefaultSettingsPath())
}

// LoadOrInitializeSettings reports true when the file did not exist (or could
// not be read) and defaults were returned instead.
func LoadOrInitializeSettings(path string) (bool, *Settings) {
	if settings, err := LoadSettings(path); err == nil {
		return false, settings
	}

	settings := DefaultSettings()
	settings.path = path
	return true, settings
}

func LoadSettings(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	settings.path = path

	return settings, nil
}

// ApplyEnv overrides settings from environment variables.
func (s *Settings) ApplyEnv() error {
	if port := os.Getenv(EnvKeySyncPort); port != "" {
		value, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvKeySyncPort, port, err)
		}
		s.Sync.Port = value
	}

	return nil
}

func (s *Settings) Path() string {
	if s.path == "" {
		return DefaultSettingsPath()
	}
	return s.path
}

func (s *Settings) Save() error {
	return s.SaveTo(s.Path())
}

func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	s.path = path
	return nil
}
