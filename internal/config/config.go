// Package config loads mk-server settings: defaults, then an optional YAML
// file, then flags given on the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Listen        string        `yaml:"listen"`
	TLSCert       string        `yaml:"tls_cert"`
	TLSKey        string        `yaml:"tls_key"`
	ControlKey    string        `yaml:"control_key"`
	DSN           string        `yaml:"dsn"`
	GraphBaseURL  string        `yaml:"graph_base_url"`
	Authority     string        `yaml:"authority"`
	Scopes        []string      `yaml:"scopes"`
	ActionWorkers int           `yaml:"action_workers"`
	ActionRetries uint64        `yaml:"action_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	LogLevel      string        `yaml:"log_level"`
	LogFile       string        `yaml:"log_file"`
}

// Dir is the per-user configuration directory shared by mk and mk-server.
func Dir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "mdmkeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mdmkeeper")
}

// DefaultControlKey is where both binaries look for the shared control secret.
func DefaultControlKey() string { return filepath.Join(Dir(), "control.key") }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:        "127.0.0.1:7443",
		ControlKey:    DefaultControlKey(),
		ActionWorkers: 4,
		RetryBase:     500 * time.Millisecond,
		HTTPTimeout:   30 * time.Second,
		LogLevel:      "info",
	}
}

// Load parses args (without the program name).
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("mk-server", flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")

	fv := Default()
	var scopes string
	fs.StringVar(&fv.Listen, "listen", fv.Listen, "gRPC listen address")
	fs.StringVar(&fv.TLSCert, "tls-cert", "", "TLS certificate (PEM); empty serves plaintext")
	fs.StringVar(&fv.TLSKey, "tls-key", "", "TLS private key (PEM)")
	fs.StringVar(&fv.ControlKey, "control-key", fv.ControlKey, "shared control secret file")
	fs.StringVar(&fv.DSN, "dsn", "", "PostgreSQL DSN for the action journal; empty disables it")
	fs.StringVar(&fv.GraphBaseURL, "graph-url", "", "management API base URL")
	fs.StringVar(&fv.Authority, "authority", "", "identity service authority URL")
	fs.StringVar(&scopes, "scopes", "", "comma-separated required scopes")
	fs.IntVar(&fv.ActionWorkers, "workers", fv.ActionWorkers, "concurrent action requests")
	fs.Uint64Var(&fv.ActionRetries, "retries", 0, "retries per action on 429/5xx/transport errors")
	fs.DurationVar(&fv.RetryBase, "retry-base", fv.RetryBase, "first retry delay")
	fs.DurationVar(&fv.HTTPTimeout, "http-timeout", fv.HTTPTimeout, "timeout of one remote request")
	fs.StringVar(&fv.MetricsAddr, "metrics-addr", "", "metrics/health HTTP address; empty disables it")
	fs.StringVar(&fv.LogLevel, "log-level", fv.LogLevel, "debug|info|warn|error")
	fs.StringVar(&fv.LogFile, "log-file", "", "additional log output file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.readFile(*path); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = fv.Listen
		case "tls-cert":
			cfg.TLSCert = fv.TLSCert
		case "tls-key":
			cfg.TLSKey = fv.TLSKey
		case "control-key":
			cfg.ControlKey = fv.ControlKey
		case "dsn":
			cfg.DSN = fv.DSN
		case "graph-url":
			cfg.GraphBaseURL = fv.GraphBaseURL
		case "authority":
			cfg.Authority = fv.Authority
		case "scopes":
			cfg.Scopes = splitList(scopes)
		case "workers":
			cfg.ActionWorkers = fv.ActionWorkers
		case "retries":
			cfg.ActionRetries = fv.ActionRetries
		case "retry-base":
			cfg.RetryBase = fv.RetryBase
		case "http-timeout":
			cfg.HTTPTimeout = fv.HTTPTimeout
		case "metrics-addr":
			cfg.MetricsAddr = fv.MetricsAddr
		case "log-level":
			cfg.LogLevel = fv.LogLevel
		case "log-file":
			cfg.LogFile = fv.LogFile
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Validate checks field ranges and combinations.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if strings.TrimSpace(c.ControlKey) == "" {
		errs = append(errs, errors.New("control_key is required"))
	}
	if c.ActionWorkers < 1 || c.ActionWorkers > 64 {
		errs = append(errs, fmt.Errorf("action_workers must be in [1,64], got %d", c.ActionWorkers))
	}
	if c.ActionRetries > 10 {
		errs = append(errs, fmt.Errorf("action_retries must be at most 10, got %d", c.ActionRetries))
	}
	if c.ActionRetries > 0 && c.RetryBase <= 0 {
		errs = append(errs, errors.New("retry_base must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// TLS reports whether the gRPC listener should use TLS.
func (c Config) TLS() bool { return c.TLSCert != "" }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
