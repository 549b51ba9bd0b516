package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsProducesValidBackoffPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.EventCollectorURI = "https://collector.example/v1"
	cfg.PrimaryToken = "tenant-token"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingRequiredKeys(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.Validate())

	cfg.EventCollectorURI = "https://collector.example/v1"
	assert.Error(t, cfg.Validate(), "primaryToken still missing")
}

func TestValidateRejectsMalformedBackoffConfig(t *testing.T) {
	cfg := Defaults()
	cfg.EventCollectorURI = "https://collector.example/v1"
	cfg.PrimaryToken = "tenant-token"
	cfg.TPMBackoffConfig = "garbage"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeSampleRate(t *testing.T) {
	cfg := Defaults()
	cfg.EventCollectorURI = "https://collector.example/v1"
	cfg.PrimaryToken = "tenant-token"
	cfg.SampleRate = 150
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "eventCollectorUri: https://collector.example/v1\nprimaryToken: tenant-token\nsample.rate: 50\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://collector.example/v1", cfg.EventCollectorURI)
	assert.Equal(t, 50, cfg.SampleRate)
	assert.Equal(t, Defaults().TPMBackoffConfig, cfg.TPMBackoffConfig, "unset keys keep their default")
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
