package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsgate/internal/config"
	"commsgate/internal/logging"
	"commsgate/internal/models"
)

const testCommunication = `
allowed_channels: [telegram, salesmsg]
primary_channel: telegram
fallback_channel: salesmsg
quiet_hours:
  enabled: false
  start: "21:00"
  end: "06:00"
  timezone: America/Chicago
rate_limits:
  telegram: {max_per_hour: 30}
  salesmsg: {max_per_hour: 10}
retry:
  max_attempts: 1
  initial_delay_ms: 10
  backoff_multiplier: 2
`

const testAllowlists = `
allowlisted_phone_numbers: ["+13204064600"]
allowlisted_telegram_chat_ids: [123456789]
allowlisted_message_types: [health_check]
allowed_severities: [SEV1, WARN, INFO]
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	comm := filepath.Join(dir, "communication.yaml")
	allow := filepath.Join(dir, "allowlists.yaml")
	require.NoError(t, os.WriteFile(comm, []byte(testCommunication), 0o644))
	require.NoError(t, os.WriteFile(allow, []byte(testAllowlists), 0o644))

	cfg := "database:\n  path: " + filepath.Join(dir, "cli.db") + "\n" +
		"policy:\n  communication_file: " + comm + "\n  allowlists_file: " + allow + "\n  watch: false\n" +
		"logging:\n  level: error\n"
	path := filepath.Join(dir, "commsgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, cfgFile string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestKillSwitchCommands(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, cfg, "killswitch", "activate")
	assert.EqualError(t, err, "--reason is required")

	out, err := run(t, cfg, "killswitch", "activate", "--reason", "drill", "--by", "oncall")
	require.NoError(t, err)
	var c models.AgentControls
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.True(t, c.KillSwitch)
	assert.Equal(t, "drill", c.KillSwitchReason)

	out, err = run(t, cfg, "killswitch", "status")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.True(t, c.KillSwitch)

	out, err = run(t, cfg, "killswitch", "deactivate")
	require.NoError(t, err)
	c = models.AgentControls{}
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.False(t, c.KillSwitch)
}

func TestControlsSet(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, cfg, "controls", "set")
	assert.EqualError(t, err, "no flags given")

	out, err := run(t, cfg, "controls", "set", "--comms=true", "--jobs=false")
	require.NoError(t, err)
	var c models.AgentControls
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.True(t, c.CommsEnabled)
	assert.False(t, c.JobsEnabled)
	assert.False(t, c.ExternalCommsEnabled)
}

func TestSend_BlockedWhileCommsDisabled(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "send", "--severity", "WARN", "--type", "health_check", "--body", "disk at 91%")
	assert.EqualError(t, err, "blocked: Communications are disabled")

	var res models.RoutingResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Blocked)
}

func TestSend_FailsWithoutProviderCredentials(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("SALESMSG_API_KEY", "")
	cfg := writeConfig(t)
	_, err := run(t, cfg, "controls", "set", "--comms=true")
	require.NoError(t, err)

	out, err := run(t, cfg, "send", "--severity", "WARN", "--type", "health_check", "--body", "disk at 91%")
	require.Error(t, err)

	var res models.RoutingResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.Equal(t, models.ChannelSalesmsg, res.Channel, "fallback was tried")
	assert.Contains(t, res.Error, "unknown channel")

	out, err = run(t, cfg, "ratelimits")
	require.NoError(t, err)
	var buckets []models.RateLimitBucket
	require.NoError(t, json.Unmarshal([]byte(out), &buckets))
	require.NotEmpty(t, buckets)
	for _, b := range buckets {
		assert.Equal(t, 0, b.Count, "failed sends give their slot back: %s", b.Channel)
	}
}

func TestQueueCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "queue", "stats")
	require.NoError(t, err)
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, models.QueueStats{}, stats)

	out, err = run(t, cfg, "queue", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "processed 0 job(s)\n", out)

	out, err = run(t, cfg, "queue", "dlq")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestBuildSenders(t *testing.T) {
	cfg := config.Default()

	senders, err := buildSenders(cfg, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, senders)

	cfg.Telegram.BotToken = "123:abc"
	cfg.Salesmsg.APIKey = "key"
	cfg.Salesmsg.FromNumber = "+15550001111"
	senders, err = buildSenders(cfg, logging.Discard())
	require.NoError(t, err)
	require.Len(t, senders, 2)
	assert.Equal(t, models.ChannelTelegram, senders[0].Name())
	assert.Equal(t, models.ChannelSalesmsg, senders[1].Name())
}

func TestQueueConfig(t *testing.T) {
	q := queueConfig(config.Default().Queue)
	assert.Equal(t, 5, q.MaxAttempts)
	assert.Equal(t, 10, q.BatchSize)
	assert.True(t, q.EnableDeadLetterQueue)
	assert.Equal(t, "2s", q.InitialDelay.String())
}
