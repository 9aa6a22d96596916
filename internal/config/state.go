package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

// State is what the CLI remembers between runs
type State struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

// Display returns provider/model, or a placeholder when nothing is chosen
func (s *State) Display() string {
	if s == nil || s.Provider == "" {
		return "no model selected"
	}
	if s.Model == "" {
		return s.Provider
	}
	return s.Provider + "/" + s.Model
}

// SaveState writes the state to a TOML file
func SaveState(filePath string, state *State) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create state file %s: %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := toml.NewEncoder(writer).Encode(state); err != nil {
		return fmt.Errorf("failed to encode state to TOML file %s: %w", filePath, err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush state file %s: %w", filePath, err)
	}

	log.Debug("State saved", "file", filePath)
	return nil
}

// LoadState reads the state file. A missing file yields an empty state.
func LoadState(filePath string) (*State, error) {
	var state State
	if _, err := toml.DecodeFile(filePath, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to decode TOML from file %s: %w", filePath, err)
	}
	return &state, nil
}

// UpdateModel records a provider and model choice at filePath
func (s *State) UpdateModel(filePath, provider, model string) error {
	s.Provider = provider
	s.Model = model
	return SaveState(filePath, s)
}
