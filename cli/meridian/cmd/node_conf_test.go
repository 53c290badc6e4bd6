package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	testlogger "github.com/meridian-network/meridian/internal/testutils/logger"
	"github.com/meridian-network/meridian/regions"
	"github.com/meridian-network/meridian/validator"
)

type envVar [2]string

func TestNodeConfig_EnvAndFlags(t *testing.T) {
	tmpDir := t.TempDir()
	logCfgFilename := filepath.Join(tmpDir, "custom-log-conf.yaml")

	// custom log cfg file with minimal content
	require.NoError(t, os.WriteFile(logCfgFilename, []byte(`log-format: "text"`), 0666))

	tests := []struct {
		args           string   // arguments as a space separated string
		envVars        []envVar // environment variables that will be set before creating command
		expectedConfig *nodeConfig
	}{
		// Base configuration permutations
		{
			args:           "node",
			expectedConfig: defaultNodeConfig(),
		}, {
			args: "node --home=/custom-home",
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home",
					CfgFile:    filepath.Join("/custom-home", defaultConfigFile),
					LogCfgFile: defaultLoggerConfigFile,
				}
				sc.Keys.HomeDir = &sc.Base.HomeDir
				return sc
			}(),
		}, {
			args: "node --home=/custom-home --config=custom-config.props",
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home",
					CfgFile:    "/custom-home/custom-config.props",
					LogCfgFile: defaultLoggerConfigFile,
				}
				sc.Keys.HomeDir = &sc.Base.HomeDir
				return sc
			}(),
		}, {
			args: "node --config=custom-config.props",
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Base = &baseConfiguration{
					HomeDir:    meridianHomeDir(),
					CfgFile:    meridianHomeDir() + "/custom-config.props",
					LogCfgFile: defaultLoggerConfigFile,
				}
				sc.Keys.HomeDir = &sc.Base.HomeDir
				return sc
			}(),
		},
		// Node configuration from flags
		{
			args: "node --rpc-server-address=srv:1234",
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.RPCServerAddress = "srv:1234"
				return sc
			}(),
		}, {
			args: "node -g --key-file=/custom/keys.json --region=" + regions.Tokyo,
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Keys.GenerateKeys = true
				sc.Keys.KeyFilePath = "/custom/keys.json"
				sc.Region = regions.Tokyo
				return sc
			}(),
		},
		// Node configuration from ENV
		{
			args: "node",
			envVars: []envVar{
				{"MRD_RPC_SERVER_ADDRESS", "srv:1234"},
			},
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.RPCServerAddress = "srv:1234"
				return sc
			}(),
		}, {
			args: "node --rpc-server-address=srv:666",
			envVars: []envVar{
				{"MRD_RPC_SERVER_ADDRESS", "srv:1234"},
			},
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.RPCServerAddress = "srv:666"
				return sc
			}(),
		}, {
			args: "node --home=/custom-home-1",
			envVars: []envVar{
				{"MRD_HOME", "/custom-home-2"},
				{"MRD_CONFIG", "custom-config.props"},
				{"MRD_LOGGER_CONFIG", logCfgFilename},
			},
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home-1",
					CfgFile:    "/custom-home-1/custom-config.props",
					LogCfgFile: logCfgFilename,
				}
				sc.Keys.HomeDir = &sc.Base.HomeDir
				return sc
			}(),
		}, {
			args: "node",
			envVars: []envVar{
				{"MRD_HOME", "/custom-home"},
				{"MRD_CONFIG", "custom-config.props"},
			},
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home",
					CfgFile:    "/custom-home/custom-config.props",
					LogCfgFile: defaultLoggerConfigFile,
				}
				sc.Keys.HomeDir = &sc.Base.HomeDir
				return sc
			}(),
		}, {
			args: "node",
			envVars: []envVar{
				{"MRD_REGION", regions.SaoPaulo},
				{"MRD_BACKFILL_INTERVAL", "15s"},
				{"MRD_MAX_BACKFILL_REQUESTS", "7"},
			},
			expectedConfig: func() *nodeConfig {
				sc := defaultNodeConfig()
				sc.Region = regions.SaoPaulo
				sc.BackfillInterval = 15 * time.Second
				sc.MaxBackfillRequests = 7
				return sc
			}(),
		},
	}
	for _, tt := range tests {
		t.Run("node_conf|"+tt.args+"|"+envVarsStr(tt.envVars), func(t *testing.T) {
			var actualConfig *nodeConfig
			runFunc := func(ctx context.Context, sc *nodeConfig) error {
				actualConfig = sc
				return nil
			}

			// Set environment variables only for single test.
			for _, en := range tt.envVars {
				err := os.Setenv(en[0], en[1])
				require.NoError(t, err)
				defer os.Unsetenv(en[0])
			}

			app := New(testlogger.LoggerBuilder(t)).WithOpts(Opts.NodeRunFunc(runFunc))
			app.baseCmd.SetArgs(strings.Split(tt.args, " "))
			err := app.Execute(context.Background())
			require.NoError(t, err, "executing app command")
			// do not compare observability implementation
			actualConfig.Base.observe = nil
			actualConfig.Base.loggerBuilder = nil
			require.Equal(t, tt.expectedConfig, actualConfig)
		})
	}
}

func TestNodeConfig_ConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	logCfgFilename := filepath.Join(tmpDir, "custom-log-conf.yaml")

	configFileContents := `
rpc-server-address: "srv:1234"
region: "` + regions.Singapore + `"
logger-config: "` + logCfgFilename + `"
`

	// custom log cfg file must exist so store one value there
	require.NoError(t, os.WriteFile(logCfgFilename, []byte(`log-format: "text"`), 0666))

	cfgFilename := filepath.Join(tmpDir, "custom-conf.yaml")
	require.NoError(t, os.WriteFile(cfgFilename, []byte(configFileContents), 0666))

	expectedConfig := defaultNodeConfig()
	expectedConfig.Base.CfgFile = cfgFilename
	expectedConfig.Base.LogCfgFile = logCfgFilename
	expectedConfig.RPCServerAddress = "srv:1234"
	expectedConfig.Region = regions.Singapore

	// Set up runner mock
	var actualConfig *nodeConfig
	runFunc := func(ctx context.Context, sc *nodeConfig) error {
		actualConfig = sc
		return nil
	}

	app := New(testlogger.LoggerBuilder(t)).WithOpts(Opts.NodeRunFunc(runFunc))
	args := "node --config=" + cfgFilename
	app.baseCmd.SetArgs(strings.Split(args, " "))
	err := app.Execute(context.Background())
	require.NoError(t, err, "executing app command")
	// do not compare observability implementation
	actualConfig.Base.observe = nil
	actualConfig.Base.loggerBuilder = nil
	require.Equal(t, expectedConfig, actualConfig)
}

func defaultNodeConfig() *nodeConfig {
	base := &baseConfiguration{
		HomeDir:    meridianHomeDir(),
		CfgFile:    filepath.Join(meridianHomeDir(), defaultConfigFile),
		LogCfgFile: defaultLoggerConfigFile,
	}
	return &nodeConfig{
		Base:                base,
		Keys:                &keysConfig{HomeDir: &base.HomeDir},
		Address:             "/ip4/127.0.0.1/tcp/26652",
		Rotation:            regions.Default(),
		BackfillInterval:    validator.DefaultBackfillInterval,
		MaxBackfillRequests: validator.DefaultMaxBackfillRequests,
	}
}

func envVarsStr(envVars []envVar) (out string) {
	for i, ev := range envVars {
		if i > 0 {
			out += " "
		}
		out += ev[0] + "=" + ev[1]
	}
	return
}
