package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, connector.DefaultCallingAETitle, cfg.DICOM.CallingAETitle)
	assert.Equal(t, 2, cfg.DICOM.ConnectionRetries)
	assert.Equal(t, 30*time.Second, cfg.DICOM.RetryTimeout)
	assert.Equal(t, 60*time.Second, cfg.DICOM.MoveIdleTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("DICOM_CALLING_AE_TITLE", "RIS")
	t.Setenv("DICOM_CONNECTION_RETRIES", "0")
	t.Setenv("DICOM_MOVE_IDLE_TIMEOUT", "90s")
	t.Setenv("DICOM_EXCLUDED_MODALITIES", "SR, PR,,KO")
	t.Setenv("DICOM_MAX_PDU_LENGTH", "not-a-number")

	cfg := FromEnv()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"SR", "PR", "KO"}, cfg.DICOM.ExcludedModalities)
	assert.Equal(t, 16384, cfg.DICOM.MaxPDULength)

	cc := cfg.Connector()
	assert.True(t, cc.AutoConnect)
	assert.Equal(t, "RIS", cc.CallingAETitle)
	assert.Zero(t, cc.ConnectionRetries)
	assert.Equal(t, 90*time.Second, cc.MoveIdleTimeout)
	assert.Equal(t, uint32(16384), cc.MaxPDULength)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "invalid SERVER_PORT"},
		{"long AE", func(c *Config) { c.DICOM.CallingAETitle = "THIS_AE_IS_TOO_LONG" }, "DICOM_CALLING_AE_TITLE"},
		{"empty receiver", func(c *Config) { c.DICOM.ReceiverAETitle = "" }, "DICOM_RECEIVER_AE_TITLE"},
		{"retries", func(c *Config) { c.DICOM.ConnectionRetries = -1 }, "DICOM_CONNECTION_RETRIES"},
		{"idle", func(c *Config) { c.DICOM.MoveIdleTimeout = 0 }, "DICOM_MOVE_IDLE_TIMEOUT"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
