package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultInstance = "default"

	// HomeEnv overrides the loom home directory (~/.loom by default).
	HomeEnv = "LOOM_HOME"
)

// InstancePaths contains all paths for a Loom instance.
type InstancePaths struct {
	Home       string // Instance home directory
	ConfigDB   string // SQLite configuration store path
	Socket     string // Unix socket path
	PIDFile    string // Daemon pidfile path
	Logs       string // Logs directory
	TempDir    string // Temporary files directory
	RunDir     string // Runtime assets directory
	BinDir     string // Shared binaries directory (~/.loom/bin)
	PluginsDir string // Installed plugins root
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	home := GetLoomHome()
	instanceDir := filepath.Join(home, "instances", instanceName)

	return InstancePaths{
		Home:       instanceDir,
		ConfigDB:   filepath.Join(instanceDir, "config.db"),
		Socket:     filepath.Join(instanceDir, "loom.sock"),
		PIDFile:    filepath.Join(instanceDir, "loomd.pid"),
		Logs:       filepath.Join(instanceDir, "logs"),
		TempDir:    filepath.Join(instanceDir, "tmp"),
		RunDir:     filepath.Join(instanceDir, "run"),
		BinDir:     filepath.Join(home, "bin"),
		PluginsDir: filepath.Join(home, "plugins"),
	}
}

// GetLoomHome returns the Loom home directory: $LOOM_HOME when set,
// otherwise ~/.loom.
func GetLoomHome() string {
	if override := os.Getenv(HomeEnv); override != "" {
		return ExpandPath(override)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".loom")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance
// if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.TempDir,
		paths.RunDir,
		paths.BinDir,
		paths.PluginsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
