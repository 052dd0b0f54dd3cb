package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/destringer/internal/pipeline/static"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.Decrypt.Timeout)
	assert.Equal(t, DefaultMaxSteps, c.Decrypt.MaxSteps)
	assert.Equal(t, DefaultCacheSize, c.Decrypt.CacheSize)
	assert.Positive(t, c.Decrypt.Parallelism)
	assert.Nil(t, c.ForceColor())
}

func TestLoadFile(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
verbose: true
no-color: true
decrypt:
  timeout: 250ms
  max-steps: 1000
  parallelism: 3
  dry-run: true
  json: report.json
`)))
	c, err := Load(v)
	require.NoError(t, err)
	assert.True(t, c.Verbose)
	assert.Equal(t, 250*time.Millisecond, c.Decrypt.Timeout)
	assert.Equal(t, 1000, c.Decrypt.MaxSteps)
	assert.Equal(t, 3, c.Decrypt.Parallelism)
	assert.True(t, c.Decrypt.DryRun)
	assert.Equal(t, "report.json", c.Decrypt.JSON)
	require.NotNil(t, c.ForceColor())
	assert.False(t, *c.ForceColor())
}

func TestExampleConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(static.ExampleConfig)))
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.Decrypt.Timeout)
	assert.Equal(t, DefaultMaxSteps, c.Decrypt.MaxSteps)
	assert.Equal(t, DefaultCacheSize, c.Decrypt.CacheSize)
	assert.Zero(t, c.Decrypt.Deadline)
	assert.Nil(t, c.ForceColor())
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"negative timeout", "decrypt.timeout", "-1s"},
		{"negative steps", "decrypt.max-steps", -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}

	v := viper.New()
	v.Set("color", true)
	v.Set("no-color", true)
	_, err := Load(v)
	assert.Error(t, err)
}
