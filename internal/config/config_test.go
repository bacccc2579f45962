package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := validConfig(t)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max associations low", func(c *Config) { c.Dimse.MaxAssociations = 0 }},
		{"max associations high", func(c *Config) { c.Dimse.MaxAssociations = 1001 }},
		{"scu ae title", func(c *Config) { c.Dimse.ScuAETitle = "THIS_TITLE_IS_FAR_TOO_LONG" }},
		{"client timeout", func(c *Config) { c.DicomWeb.ClientTimeoutSeconds = 0 }},
		{"watermark", func(c *Config) { c.Storage.WatermarkPercent = 101 }},
		{"reserve", func(c *Config) { c.Storage.ReserveSpaceGB = 0 }},
		{"uploads low", func(c *Config) { c.Storage.ConcurrentUploads = 0 }},
		{"uploads high", func(c *Config) { c.Storage.ConcurrentUploads = 129 }},
		{"payload threads", func(c *Config) { c.Storage.PayloadProcessThreads = 129 }},
		{"temp storage", func(c *Config) { c.Storage.TemporaryDataStorage = "Tape" }},
		{"bucket name", func(c *Config) { c.Storage.BucketName = "Not_A_Bucket" }},
		{"hl7 port", func(c *Config) { c.Hl7.Port = -1 }},
		{"export concurrency", func(c *Config) { c.Export.Concurrency = 0 }},
		{"brokers", func(c *Config) { c.Kafka.Brokers = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidBucketName(t *testing.T) {
	assert.True(t, ValidBucketName("imaging-gateway"))
	assert.True(t, ValidBucketName("a1.b2-c3"))
	assert.False(t, ValidBucketName("Upper"))
	assert.False(t, ValidBucketName("ab"))
	assert.False(t, ValidBucketName("double..dot"))
	assert.False(t, ValidBucketName("-leading"))
}

func TestValidAETitle(t *testing.T) {
	assert.True(t, ValidAETitle("IMAGINGSCU"))
	assert.True(t, ValidAETitle(" TRIMMED "))
	assert.False(t, ValidAETitle(""))
	assert.False(t, ValidAETitle("WAY_TOO_LONG_AE_TITLE"))
}

func TestDelayParsing(t *testing.T) {
	t.Setenv("DATABASE_RETRY_DELAYS_MS", "100,200,300")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, cfg.Database.RetryDelays)

	// Malformed lists fall back to the defaults.
	t.Setenv("DATABASE_RETRY_DELAYS_MS", "abc")
	cfg, err = Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Database.RetryDelays)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DICOM_SCP_PORT", "11112")
	t.Setenv("STORAGE_TEMPORARY", "Memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 11112, cfg.Dimse.ScpPort)
	assert.Equal(t, TemporaryStorageMemory, cfg.Storage.TemporaryDataStorage)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}
