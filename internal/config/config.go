// Package config loads the synthesis configuration from defaults, config
// file, environment and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Synth    SynthConfig   `mapstructure:"synth"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelPath   string `mapstructure:"model_path"`
	SpeakerPath string `mapstructure:"speaker_path"`
}

type RuntimeConfig struct {
	// Workers caps the goroutines used inside the tensor kernels.
	Workers int `mapstructure:"workers"`
}

type SynthConfig struct {
	// MaxTextBytes rejects oversized inputs before encoding.
	MaxTextBytes int `mapstructure:"max_text_bytes"`
	// TimeoutSeconds bounds a single synthesis call; 0 disables the bound.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:   "models/nat.safetensors",
			SpeakerPath: "models/speaker.safetensors",
		},
		Runtime: RuntimeConfig{
			Workers: 4,
		},
		Synth: SynthConfig{
			MaxTextBytes:   4096,
			TimeoutSeconds: 120,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to acoustic model checkpoint (.safetensors)")
	fs.String("paths-speaker-path", defaults.Paths.SpeakerPath, "Path to speaker embedding (.safetensors)")
	fs.String("model", defaults.Paths.ModelPath, "Path to acoustic model checkpoint (alias for --paths-model-path)")
	fs.String("speaker", defaults.Paths.SpeakerPath, "Path to speaker embedding (alias for --paths-speaker-path)")
	fs.Int("runtime-workers", defaults.Runtime.Workers, "Max goroutines inside tensor kernels")
	fs.Int("synth-max-text-bytes", defaults.Synth.MaxTextBytes, "Maximum input text size in bytes")
	fs.Int("synth-timeout-seconds", defaults.Synth.TimeoutSeconds, "Per-call synthesis timeout in seconds (0 = none)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}

		applyShortFlags(v, opts.Cmd.Flags())
	}
	registerAliases(v)

	v.SetEnvPrefix("NATTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("nattts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.speaker_path", c.Paths.SpeakerPath)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("synth.max_text_bytes", c.Synth.MaxTextBytes)
	v.SetDefault("synth.timeout_seconds", c.Synth.TimeoutSeconds)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	// Viper keeps a single alias per key, so the short path flags are applied
	// by applyShortFlags instead of a second RegisterAlias call.
	v.RegisterAlias("paths.model_path", "paths-model-path")
	v.RegisterAlias("paths.speaker_path", "paths-speaker-path")
	v.RegisterAlias("runtime.workers", "runtime-workers")
	v.RegisterAlias("synth.max_text_bytes", "synth-max-text-bytes")
	v.RegisterAlias("synth.timeout_seconds", "synth-timeout-seconds")
	v.RegisterAlias("log_level", "log-level")
}

// applyShortFlags copies the short-form path flags into the config keys when
// set on the command line. Set explicitly, they outrank every other source.
func applyShortFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for flag, key := range map[string]string{
		"model":   "paths.model_path",
		"speaker": "paths.speaker_path",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
}
