package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewAppBuildsComponentGraph(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pipeline.db")
	path := writeConfig(t, `
app:
  log_level: ERROR
  encryption_key: `+testKey+`
sql:
  path: `+dbPath+`
`)

	app, err := NewApp(path)
	require.NoError(t, err)
	defer func() {
		_ = app.sqls.Close()
		_ = app.redisCli.Close()
	}()

	assert.NotNil(t, app.Orders)
	assert.NotNil(t, app.Dispatcher)
	assert.NotNil(t, app.Adapter)
	assert.NotNil(t, app.Engine)
	assert.NotNil(t, app.Positions)
	assert.NotNil(t, app.Syncer)
	assert.NotNil(t, app.feedSrv)

	// Construction must not dial Redis; only the checks do.
	status := app.Monitor.GetStatus()
	for _, name := range []string{
		"redis", "sql_store", "order_manager", "order_queue",
		"broker_sessions", "paper_engine", "db_sync",
	} {
		_, registered := status[name]
		assert.True(t, registered, "health check %s not registered", name)
	}
	assert.NoError(t, status["sql_store"])
	assert.NoError(t, status["paper_engine"])
	assert.NoError(t, status["db_sync"])
}

func TestNewAppRejectsShortEncryptionKey(t *testing.T) {
	path := writeConfig(t, `
app:
  log_level: ERROR
  encryption_key: tooshort
`)

	_, err := NewApp(path)
	require.Error(t, err)
}

func TestNewAppMissingConfigFile(t *testing.T) {
	_, err := NewApp(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}
