package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world_model.properties")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 7009, cfg.SolverPort)
	assert.Equal(t, 7010, cfg.ClientPort)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, 60, cfg.TimeoutSeconds)
	assert.False(t, cfg.Persistent())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `# world model configuration
db_name=world_model
user=owl
password=secret
solver_port=7109
client_port=7110
`)
	cfg, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, "world_model", cfg.DBName)
	assert.Equal(t, "owl", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 7109, cfg.SolverPort)
	assert.Equal(t, 7110, cfg.ClientPort)
	assert.True(t, cfg.Persistent())
}

func TestUnknownKeysAreIgnored(t *testing.T) {
	path := writeConfig(t, `db_name=wm
user=u
password=p
frobnicate=yes
`)
	cfg, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.True(t, cfg.Persistent())
}

func TestPartialIdentityIsNotPersistent(t *testing.T) {
	path := writeConfig(t, `db_name=wm
user=u
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.False(t, cfg.Persistent())
}

func TestSQLiteOnlyNeedsDBName(t *testing.T) {
	path := writeConfig(t, `db_driver=sqlite3
db_name=world_model.db
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.True(t, cfg.Persistent())
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.properties"), nil)
	assert.Error(t, err)
}
