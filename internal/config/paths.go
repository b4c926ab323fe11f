package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is ~/.duckpond, or $DUCKPOND_HOME when set.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return ExpandHome(dir), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".duckpond"), nil
}

func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

func SocketPath(dir string) string {
	return filepath.Join(dir, "duckpond.sock")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// ProjectSlug is the directory name the agent CLI files a working
// directory's sessions under: every non-alphanumeric byte becomes '-'.
func ProjectSlug(cwd string) string {
	b := []byte(cwd)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			b[i] = '-'
		}
	}
	return string(b)
}

// SessionsDir is where the agent CLI writes JSONL transcripts for cwd.
func SessionsDir(cwd string) (string, error) {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		cwd = wd
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects", ProjectSlug(abs)), nil
}

// EnsureDir creates the duckpond home directory.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
