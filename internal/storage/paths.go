package storage

import (
	"os"
	"path/filepath"
)

// PathManager resolves where notechat keeps its files
type PathManager struct {
	dataDir string
}

// NewPathManager roots all paths at dataDir. An empty dataDir means
// ~/.notechat, or ./.notechat when there is no home directory.
func NewPathManager(dataDir string) *PathManager {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dataDir = filepath.Join(homeDir, ".notechat")
	}
	return &PathManager{dataDir: dataDir}
}

// DataDir returns the root directory, creating it if needed
func (pm *PathManager) DataDir() (string, error) {
	if err := os.MkdirAll(pm.dataDir, 0o755); err != nil {
		return "", err
	}
	return pm.dataDir, nil
}

// ChatDatabasePath returns the path of the transcript database
func (pm *PathManager) ChatDatabasePath() (string, error) {
	return pm.file("chat.db")
}

// StatePath returns the path of the persisted CLI state
func (pm *PathManager) StatePath() (string, error) {
	return pm.file("state.toml")
}

// LogsDir returns the log directory, creating it if needed
func (pm *PathManager) LogsDir() (string, error) {
	return pm.dir("logs")
}

// TelemetryDir returns the directory for trace and metric exports
func (pm *PathManager) TelemetryDir() (string, error) {
	return pm.dir("telemetry")
}

func (pm *PathManager) file(name string) (string, error) {
	dir, err := pm.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (pm *PathManager) dir(name string) (string, error) {
	dir, err := pm.DataDir()
	if err != nil {
		return "", err
	}
	sub := filepath.Join(dir, name)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return "", err
	}
	return sub, nil
}
