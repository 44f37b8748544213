package cmds

import (
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration, loadable from a yaml file. Flags
// override file values.
type Config struct {
	BackendURL string `yaml:"backend-url"`
	Transport  string `yaml:"transport"`
	StateDir   string `yaml:"state-dir"`

	RedisEnabled  bool   `yaml:"redis-enabled"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisGroup    string `yaml:"redis-group"`
	RedisConsumer string `yaml:"redis-consumer"`
}

func defaultConfig() Config {
	stateDir := ".jiminy"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".jiminy")
	}
	return Config{
		BackendURL:    "http://localhost:8999",
		Transport:     "sse",
		StateDir:      stateDir,
		RedisAddr:     "localhost:6379",
		RedisGroup:    "widget-ui",
		RedisConsumer: "widget-1",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

var (
	logLevel   string
	configFile string
	flagURL    string
	flagState  string

	cfg Config
)

var rootCmd = &cobra.Command{
	Use:   "jiminy",
	Short: "Support-chat widget core and tooling",
	Long: `jiminy is the session and streaming controller behind an embedded
support-chat widget, plus the tooling around it: an interactive terminal
chat for exercising a backend, a mock backend for development, and a
backend health probe.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogger(logLevel); err != nil {
			return err
		}
		var err error
		cfg, err = loadConfig(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend-url") {
			cfg.BackendURL = flagURL
		}
		if cmd.Flags().Changed("state-dir") {
			cfg.StateDir = flagState
		}
		return nil
	},
}

func initLogger(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to yaml config file")
	rootCmd.PersistentFlags().StringVar(&flagURL, "backend-url", defaultConfig().BackendURL, "Backend base URL")
	rootCmd.PersistentFlags().StringVar(&flagState, "state-dir", defaultConfig().StateDir, "Directory for persisted widget state")
}
