package monitor

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

type stateData struct {
	LastDevice string `json:"last_device"`
}

// State remembers the last connected trainer between runs
type State struct {
	logger   *log.Logger
	filePath string
	data     stateData
}

// DefaultStatePath is ~/.trainer-link/state.json, or ./.trainer-link if the
// home directory is unknown
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".trainer-link", "state.json")
}

func LoadState(logger *log.Logger, filePath string) *State {
	if logger == nil {
		panic("Monitor State: logger cannot be nil")
	}
	s := &State{logger: logger, filePath: filePath}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		s.logger.Printf("Monitor State: no saved state at %s", filePath)
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Printf("Monitor State: %s failed to parse: %v", filePath, err)
		s.data = stateData{}
	}
	return s
}

func (s *State) LastDevice() string {
	return s.data.LastDevice
}

func (s *State) SetLastDevice(address string) {
	if s.data.LastDevice == address {
		return
	}
	s.data.LastDevice = address
	s.save()
}

func (s *State) save() {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		s.logger.Printf("Monitor State: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.logger.Printf("Monitor State: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(s.filePath, raw, 0o644); err != nil {
		s.logger.Printf("Monitor State: save %s failed: %v", s.filePath, err)
	}
}
