package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is everything the engine needs to run against a node catalog. The
// secret is the account's long-term key material; chat keys are derived from
// it per chat and never stored.
type Config struct {
	AccountID string `mapstructure:"accountId" validate:"required"`
	Secret    string `mapstructure:"secret" validate:"required,min=16"`
	Nodes     string `mapstructure:"nodes" validate:"required,file"`
	Model     string `mapstructure:"model" validate:"required"`
	LogLevel  string `mapstructure:"logLevel" validate:"omitempty,oneof=trace debug info warn error"`
}

func loadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault("model", "llama-3")
	v.SetDefault("logLevel", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("veil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/veil")
		}
	}
	v.SetEnvPrefix("VEIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func setupLogging(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	zerolog.SetGlobalLevel(parsed)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

func main() {
	var configFile string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "veil",
		Short: "End-to-end encrypted chat over inference nodes",
		Long: "veil streams AI completions from remote inference nodes.\n" +
			"Prompts and responses only ever cross the wire sealed under a\n" +
			"per-chat key derived from your account secret.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./veil.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(chatCmd(&configFile, &logLevel))
	rootCmd.AddCommand(nodesCmd(&configFile, &logLevel))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(configFile, logLevel string) (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
