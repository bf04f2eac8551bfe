package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jhofer-cloud/devproxy/pkg/config"
	"github.com/jhofer-cloud/devproxy/pkg/logging"
)

var version = "dev"

// options holds the command line flags. Flags override the environment and
// the config file only when they were set explicitly.
type options struct {
	replaceHost   string
	port          string
	public        bool
	static        []string
	files         []string
	subProxies    []string
	timeout       int
	throttle      string
	debug         bool
	logFormat     string
	metricsListen string
	configFile    string
	envFile       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&options{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devproxy [proxy]",
		Short: "Development proxy server",
		Long: `devproxy serves exact files and static directories and forwards every
other request to a backend, so a frontend and its API can share one origin
during development.`,
		Version:      version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, opts, args)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)
			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.replaceHost, "replace-host", "r", "", "`host` to send in the Host header. Defaults to the hostname of the proxy address")
	flags.StringArrayVarP(&opts.static, "static", "s", nil, "Serve `prefix,dir` as a static directory (repeatable)")
	flags.StringArrayVarP(&opts.files, "file", "f", nil, "Serve `url,path,content-type` as a single file (repeatable)")
	flags.StringArrayVar(&opts.subProxies, "sub-proxy", nil, "Forward `prefix,addr[,host]` to another backend (repeatable)")
	flags.IntVar(&opts.timeout, "timeout", 0, "Backend connect and response-header timeout in seconds (0 = none)")
	flags.StringVar(&opts.throttle, "throttle", "", "Limit backend response bodies to this rate, e.g. 500k or 1m bytes/s")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Serve /metrics and /health on this address")
	flags.StringVar(&opts.configFile, "config", "", "Path to configuration file (JSON, YAML or TOML)")

	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&opts.port, "port", "p", strconv.Itoa(config.DefaultPort), "Port to listen on")
	persistent.BoolVar(&opts.public, "public", false, "Listen on 0.0.0.0 instead of localhost")
	persistent.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	persistent.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	persistent.StringVar(&opts.envFile, "env-file", "", "Load environment variables from a dotenv file first")

	rootCmd.AddCommand(newBrowseCmd(opts))
	return rootCmd
}

func newBrowseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "browse <dir>",
		Short: "Serve a directory with listings, without proxying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)
			return runBrowse(cmd.Context(), cfg, args[0], logger)
		},
	}
}

// loadServerConfig loads the environment and config file, then applies the
// flags shared by every command.
func loadServerConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	configFile := opts.configFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	cfg, err := config.LoadConfigFrom(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		port, err := strconv.Atoi(opts.port)
		if err != nil {
			return nil, errors.New("Expected integer")
		}
		cfg.Server.Port = port
	}
	if flags.Changed("public") {
		cfg.Server.Public = opts.public
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = opts.logFormat
	}

	return cfg, nil
}

// buildConfig produces the validated configuration for the proxy command.
// Rules from flags are appended after rules from the config file.
func buildConfig(cmd *cobra.Command, opts *options, args []string) (*config.Config, error) {
	cfg, err := loadServerConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	if len(args) == 1 {
		if strings.TrimSpace(args[0]) == "" {
			return nil, errors.New("Invalid `proxy` address")
		}
		cfg.Proxy.Addr = args[0]
	}

	flags := cmd.Flags()
	if flags.Changed("replace-host") {
		cfg.Proxy.HostHeader = opts.replaceHost
	}
	if flags.Changed("timeout") {
		cfg.Defaults.Timeout = opts.timeout
	}
	if flags.Changed("throttle") {
		cfg.Defaults.Throttle = opts.throttle
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen = opts.metricsListen
	}

	for _, val := range opts.files {
		rule, err := config.ParseFileFlag(val)
		if err != nil {
			return nil, err
		}
		cfg.Files = append(cfg.Files, rule)
	}
	for _, val := range opts.static {
		rule, err := config.ParseStaticFlag(val)
		if err != nil {
			return nil, err
		}
		cfg.Static = append(cfg.Static, rule)
	}
	for _, val := range opts.subProxies {
		rule, err := config.ParseSubProxyFlag(val)
		if err != nil {
			return nil, err
		}
		cfg.SubProxies = append(cfg.SubProxies, rule)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
		Output: cmd.OutOrStdout(),
	})
}
