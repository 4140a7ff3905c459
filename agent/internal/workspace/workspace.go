package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	contractsDir = "contracts"
	logsDir      = "logs"
)

// Manager owns the agent's mission scripts and logs under a common root:
// <root>/contracts/mission_<id>.sh and <root>/logs/mission_<id>.log.
type Manager struct {
	root string
}

// New ensures the workspace root and its subdirectories exist.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	for _, dir := range []string{root, filepath.Join(root, contractsDir), filepath.Join(root, logsDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create workspace directory %s: %w", dir, err)
		}
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root.
func (m *Manager) Root() string { return m.root }

// ScriptPath returns where the script of the contract is written.
func (m *Manager) ScriptPath(contractID string) (string, error) {
	if err := validateID(contractID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, contractsDir, "mission_"+contractID+".sh"), nil
}

// LogPath returns where the combined output of the contract is written.
func (m *Manager) LogPath(contractID string) (string, error) {
	if err := validateID(contractID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, logsDir, "mission_"+contractID+".log"), nil
}

// WriteScript stores the script with mode 0700 and returns its path. An
// existing script for the same contract is replaced.
func (m *Manager) WriteScript(contractID, script string) (string, error) {
	path, err := m.ScriptPath(contractID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	// WriteFile keeps the mode of an existing file and is subject to umask.
	if err := os.Chmod(path, 0o700); err != nil {
		return "", fmt.Errorf("chmod script: %w", err)
	}
	return path, nil
}

// Cleanup removes the script and log of a contract.
func (m *Manager) Cleanup(contractID string) error {
	for _, pathFn := range []func(string) (string, error){m.ScriptPath, m.LogPath} {
		path, err := pathFn(contractID)
		if err != nil {
			return err
		}
		if err := m.remove(path); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) remove(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("contract id cannot be empty")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("invalid contract id %q", id)
	}
	return nil
}
