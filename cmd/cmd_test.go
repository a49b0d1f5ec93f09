// -- cmd/cmd_test.go --
package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

func TestNewRootCommand_Structure(t *testing.T) {
	root := NewRootCommand()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"], "run subcommand must be registered")
	assert.True(t, names["exec"], "exec subcommand must be registered")
	assert.True(t, names["version"], "version subcommand must be registered")

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestRunCommand_HasVoiceFlag(t *testing.T) {
	run := newRunCommand()
	flag := run.Flags().Lookup("voice")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

// The defaults alone must form a valid configuration, since a config file
// is optional.
func TestDefaultsProduceValidConfig(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
