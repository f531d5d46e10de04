package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountPath_EnvOverride(t *testing.T) {
	t.Setenv(MountPathEnv, "/tmp/somewhere-else")
	assert.Equal(t, "/tmp/somewhere-else", MountPath())
}

func TestMountPath_Default(t *testing.T) {
	t.Setenv(MountPathEnv, "")
	assert.Equal(t, DefaultMountPath, MountPath())
}

func TestGet(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(MountPathEnv, dir)

	tests := []struct {
		name        string
		credName    string
		fileContent string
		want        string
	}{
		{
			name:        "reads from file",
			credName:    "upstream-token",
			fileContent: "file-secret-456\n",
			want:        "file-secret-456",
		},
		{
			name:        "keeps Bearer prefix",
			credName:    "bearer-token",
			fileContent: "Bearer ghp_abcdef123456",
			want:        "Bearer ghp_abcdef123456",
		},
		{
			name:        "trims whitespace",
			credName:    "padded-token",
			fileContent: "  secret-with-spaces  \n",
			want:        "secret-with-spaces",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, tt.credName), []byte(tt.fileContent), 0o600))
			got, err := Get(tt.credName)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGet_EmptyNameIsEmpty(t *testing.T) {
	got, err := Get("")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestGet_MissingFileErrors(t *testing.T) {
	t.Setenv(MountPathEnv, t.TempDir())
	_, err := Get("does-not-exist")
	require.Error(t, err)
}

func TestGet_RejectsPathSeparators(t *testing.T) {
	t.Setenv(MountPathEnv, t.TempDir())
	for _, name := range []string{"../escape", "sub/dir", "/etc/passwd"} {
		_, err := Get(name)
		require.Error(t, err, "name %q", name)
	}
}
