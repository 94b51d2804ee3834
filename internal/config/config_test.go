package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.Equal(t, time.Minute, cfg.Queue.CheckInterval())
	assert.Equal(t, 2*time.Second, cfg.Queue.InitialDelay())
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.True(t, cfg.Queue.EnableDeadLetterQueue)
	assert.Equal(t, 30*time.Second, cfg.Salesmsg.Timeout())
	assert.Equal(t, 10*time.Second, cfg.Telegram.Timeout())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "commsgate.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
database:
  path: /var/lib/commsgate.db
queue:
  batch_size: 25
logging:
  format: json
`), 0o644))

	t.Setenv("COMMSGATE_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("SALESMSG_FROM_NUMBER", "+15550001111")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/commsgate.db", cfg.Database.Path)
	assert.Equal(t, 25, cfg.Queue.BatchSize)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts, "unset keys keep defaults")
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "+15550001111", cfg.Salesmsg.FromNumber)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Database.Path, cfg.Database.Path)
}

func TestLoad_ValidationErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
queue:
  batch_size: 0
  backoff_multiplier: 0.5
logging:
  level: loud
`), 0o644))

	_, err := Load(file)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 3)
	assert.Contains(t, err.Error(), "3 validation errors")
	assert.Contains(t, err.Error(), "queue.batch_size")
}
