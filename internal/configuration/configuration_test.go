package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load(&model.Args{})
	require.NoError(t, err)

	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, "kcs", config.Transport.Kind)
	assert.Equal(t, 30, config.Readiness.ReadyDelayRetries)
	assert.Equal(t, time.Second, config.Readiness.DeviceIDDelay)
	assert.Equal(t, 512, config.SEL.ClearPollLimit)
	assert.Equal(t, []string{"log"}, config.Diagnostics.Sinks)
	assert.Equal(t, "127.0.0.1:8300", config.API.Listen)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
transport:
  kind: lan
  timeout: 2s
  lan:
    host: 10.0.0.5
    username: admin
    password: hunter2
    auth: md5
readiness:
  ready_delay_retries: 4
  self_test_delay: 250ms
sel:
  clear_poll_limit: 10
fru:
  slots:
    - device_id: 0
      logical: true
    - device_id: 0xa0
diagnostics:
  sinks: [log, nats]
  nats_url: nats://127.0.0.1:4222
archive:
  kind: fs
  directory: /var/lib/bmcmgmt
`)

	config, err := Load(&model.Args{ConfigFile: path, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, "debug", config.LogLevel)
	assert.True(t, config.DryRun)
	assert.Equal(t, "lan", config.Transport.Kind)
	assert.Equal(t, 2*time.Second, config.Transport.Timeout)
	assert.Equal(t, "10.0.0.5", config.Transport.LAN.Host)
	assert.Equal(t, 4, config.Readiness.ReadyDelayRetries)
	assert.Equal(t, 250*time.Millisecond, config.Readiness.SelfTestDelay)
	assert.Equal(t, time.Second, config.Readiness.DeviceIDDelay)
	assert.Equal(t, 10, config.SEL.ClearPollLimit)
	assert.Equal(t, []FRUSlot{{DeviceID: 0, Logical: true}, {DeviceID: 0xa0}}, config.FRU.Slots)
	assert.True(t, config.Diagnostics.Has("nats"))
	assert.Equal(t, "/var/lib/bmcmgmt", config.Archive.Directory)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BMCMGMT_TRANSPORT_KIND", "bt")
	t.Setenv("BMCMGMT_TRANSPORT_DEVICE", "/dev/ipmi-bt")
	t.Setenv("BMCMGMT_API_LISTEN", "0.0.0.0:8400")

	config, err := Load(&model.Args{})
	require.NoError(t, err)

	assert.Equal(t, "bt", config.Transport.Kind)
	assert.Equal(t, "/dev/ipmi-bt", config.Transport.Device)
	assert.Equal(t, "0.0.0.0:8400", config.API.Listen)
}

func TestLoadArgsOverrideFile(t *testing.T) {
	path := writeConfig(t, "log_level: warn\n")

	config, err := Load(&model.Args{ConfigFile: path, LogLevel: "trace"})
	require.NoError(t, err)

	assert.Equal(t, "trace", config.LogLevel)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown transport", "transport:\n  kind: serial\n"},
		{"lan without host", "transport:\n  kind: lan\n"},
		{"unknown log level", "log_level: loud\n"},
		{"unknown sink", "diagnostics:\n  sinks: [kafka]\n"},
		{"nats without url", "diagnostics:\n  sinks: [nats]\n"},
		{"http without oidc", "diagnostics:\n  sinks: [http]\n  endpoint: https://diag.example.com/reports\n"},
		{"s3 without bucket", "archive:\n  kind: s3\n"},
		{"zero clear polls", "sel:\n  clear_poll_limit: 0\n"},
		{"too many fru slots", "fru:\n  slots: [" + repeat("{device_id: 1}", 21) + "]\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(&model.Args{ConfigFile: writeConfig(t, tc.content)})
			assert.True(t, errors.Is(err, model.ErrConfig), err)
		})
	}
}

func repeat(s string, n int) string {
	out := s
	for i := 1; i < n; i++ {
		out += ", " + s
	}

	return out
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(&model.Args{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.True(t, errors.Is(err, model.ErrConfig), err)
}

func TestAsLogFieldsRedactsSecrets(t *testing.T) {
	config := New()
	config.Transport.LAN.Password = "hunter2"
	config.Diagnostics.OIDC.ClientSecret = "s3cr3t"
	config.RemoteBMC.Pass = "calvin"

	fields := config.AsLogFields()

	for _, f := range fields {
		if s, ok := f.(string); ok {
			assert.NotContains(t, []string{"hunter2", "s3cr3t", "calvin"}, s)
		}
	}

	assert.Contains(t, fields, redacted)
}
