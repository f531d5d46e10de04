// Package credentials resolves bearer tokens for HTTP-stream upstreams
// from environment variables or mounted secret files, without any
// interactive flow.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultMountPath is where upstream secret files are read from unless
	// MountPathEnv overrides it.
	DefaultMountPath = "/etc/metamcp/credentials"
	// MountPathEnv names the environment variable overriding DefaultMountPath.
	MountPathEnv = "METAMCP_CREDENTIALS_DIR"
)

// MountPath returns the directory secret files are read from.
func MountPath() string {
	if dir := os.Getenv(MountPathEnv); dir != "" {
		return dir
	}
	return DefaultMountPath
}

// Get reads the named secret file from the mount path, trimming surrounding
// whitespace. The name must be a bare file name: anything carrying a path
// separator is rejected so a config value can never escape the mount
// directory.
func Get(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("credential name %q must not contain path separators", name)
	}
	data, err := os.ReadFile(filepath.Join(MountPath(), name))
	if err != nil {
		return "", fmt.Errorf("read credential %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}
