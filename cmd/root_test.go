package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "abboe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  name: from-file
  port: 15100
logging:
  level: warn
`), 0644))

	viper.Set("config", path)
	viper.Set("broker.name", "from-flag")
	viper.Set("peers.addresses", "10.0.0.1:15000=east, 10.0.0.2:15001")
	viper.Set("health.enabled", true)

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.Broker.Name)
	assert.Equal(t, 15100, cfg.Broker.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Health.Enabled)
	require.Len(t, cfg.Peers.Addresses, 2)
	assert.Equal(t, "east", cfg.Peers.Addresses[0].RoutingID)
	assert.Equal(t, 15001, cfg.Peers.Addresses[1].Port)
}

func TestLoadConfigRejectsBadPeers(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("peers.addresses", "no-port-here")
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "abboe version "+Version+"\n", out.String())
}
