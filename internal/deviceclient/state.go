package deviceclient

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// State is what a device persists between runs.
type State struct {
	ServerURL     string `json:"server_url"`
	DeviceCode    string `json:"device_code"`
	RefreshSecret string `json:"refresh_secret"`
	ConfigVersion int64  `json:"config_version"`
}

func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Save writes the state readable only by the owner, since it holds the
// refresh secret.
func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Client builds a client for the stored identity.
func (s *State) Client(opts ...Option) *Client {
	return New(s.ServerURL, s.DeviceCode, s.RefreshSecret, opts...)
}
