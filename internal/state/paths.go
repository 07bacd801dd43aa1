// Package state centralizes filesystem locations for the bridge's
// runtime artifacts: its log file and PID file. Everything else the
// bridge handles (targets, sessions, the call log) lives in memory only
// (spec §3 names no persistent store for the core).
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "BROP_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "brop-bridge"
)

// RootDir returns the runtime state root for the bridge.
// Resolution order:
//  1. BROP_STATE_DIR (if set)
//  2. XDG_STATE_HOME/brop-bridge (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/brop-bridge (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// LogsDir returns the logs directory under RootDir.
func LogsDir() (string, error) {
	return InRoot("logs")
}

// DefaultLogFile returns the default structured log file path.
func DefaultLogFile() (string, error) {
	return InRoot("logs", "bridge.jsonl")
}

// PIDFile returns the PID file path for the given extension-link port, the
// bridge's one truly unique identity (spec §6: exactly one bridge process
// per extension link).
func PIDFile(extPort int) (string, error) {
	return InRoot("run", "brop-bridge-"+strconv.Itoa(extPort)+".pid")
}

// InRoot returns a path rooted under RootDir with additional path elements.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
