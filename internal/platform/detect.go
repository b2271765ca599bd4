package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDirName = "voxqueue"

// Env holds the host facts that decide where voxqueue keeps its files.
type Env struct {
	GOOS        string
	HomeDir     string
	XDGDataHome string
	// StateDirectory is set by systemd for units with StateDirectory=.
	StateDirectory string
}

// CurrentEnv reads Env from the running process. A missing home directory
// is not an error here; services often run without one.
func CurrentEnv() Env {
	homeDir, _ := os.UserHomeDir()
	return Env{
		GOOS:           runtime.GOOS,
		HomeDir:        homeDir,
		XDGDataHome:    os.Getenv("XDG_DATA_HOME"),
		StateDirectory: os.Getenv("STATE_DIRECTORY"),
	}
}

// DataDir is the root of the voxqueue data tree. A systemd state directory
// wins over per-user locations.
func (e Env) DataDir() (string, error) {
	if e.StateDirectory != "" {
		// systemd joins multiple state directories with ':'; the first one is ours.
		first, _, _ := strings.Cut(e.StateDirectory, ":")
		return filepath.Clean(first), nil
	}
	if e.HomeDir == "" {
		return "", errors.New("home directory is empty and STATE_DIRECTORY is not set")
	}

	switch e.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		if e.XDGDataHome != "" {
			return filepath.Join(e.XDGDataHome, appDirName), nil
		}
		return filepath.Join(e.HomeDir, ".local", "share", appDirName), nil
	case "darwin":
		return filepath.Join(e.HomeDir, "Library", "Application Support", appDirName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", e.GOOS)
	}
}

func (e Env) ModelDir() (string, error) {
	return e.subdir("models")
}

// UploadDir holds uploaded sources, audio segments and partial transcripts.
func (e Env) UploadDir() (string, error) {
	return e.subdir("uploads")
}

func (e Env) subdir(name string) (string, error) {
	dataDir, err := e.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, name), nil
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	return CurrentEnv().ModelDir()
}

func ResolveUploadDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	return CurrentEnv().UploadDir()
}
