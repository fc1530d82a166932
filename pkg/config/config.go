// Package config loads the engine configuration file and hands each
// subsystem its section.
package config

import (
	"github.com/spf13/viper"

	"github.com/quartzchain/quartz/pkg/execution"
	"github.com/quartzchain/quartz/pkg/logger"
	"github.com/quartzchain/quartz/pkg/runtime"
	"github.com/quartzchain/quartz/pkg/storage/store"
	"github.com/quartzchain/quartz/pkg/wasm"
)

type CfgInfo struct {
	StoreCfg    *store.Config     `yaml:"storecfg" mapstructure:"storecfg"`
	WasmCfg     *wasm.Config      `yaml:"wasmcfg" mapstructure:"wasmcfg"`
	RuntimeCfg  *runtime.Config   `yaml:"runtimecfg" mapstructure:"runtimecfg"`
	ExecutorCfg *execution.Config `yaml:"executorcfg" mapstructure:"executorcfg"`
	LogCfg      *logger.Config    `yaml:"logcfg" mapstructure:"logcfg"`
	GenesisPath string            `yaml:"genesispath" mapstructure:"genesispath"`
}

// Default returns a complete configuration with every section populated.
func Default() *CfgInfo {
	wasmCfg := wasm.DefaultConfig()
	runtimeCfg := runtime.DefaultConfig()
	executorCfg := execution.DefaultConfig()
	return &CfgInfo{
		StoreCfg:    &store.Config{Backend: store.BackendBadger, Path: "./data/state"},
		WasmCfg:     &wasmCfg,
		RuntimeCfg:  &runtimeCfg,
		ExecutorCfg: &executorCfg,
		LogCfg:      logger.DefaultConfig(),
		GenesisPath: "./config/genesis.yaml",
	}
}

// LoadConfig load configuration information
func LoadConfig() (*CfgInfo, error) {
	v := viper.New()
	v.SetConfigName("quartzConf")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config/")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// LoadConfigFile loads a configuration from an explicit path.
func LoadConfigFile(path string) (*CfgInfo, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*CfgInfo, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
