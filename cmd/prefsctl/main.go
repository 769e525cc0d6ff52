// Package main is the entry point for prefsctl, a tool for inspecting and
// editing the settings an application has persisted with prefstore.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/prefstore/internal/config"
	"github.com/dshills/prefstore/internal/engine"
	"github.com/dshills/prefstore/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	errNotSet  = errors.New("key not set")
	errNoField = errors.New("field not found")
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	app        string
	backend    string
	path       string
	logLevel   string
}

type cli struct {
	flags  globalFlags
	errOut io.Writer

	outMu sync.Mutex
	out   io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "prefsctl",
		Short: "Inspect and edit persisted application settings",
		Long: `prefsctl reads and writes the settings an application stores with prefstore.

Values are JSON text, one entry per key under the application root.
Configuration comes from prefstore.toml (or .yaml), a .env file and
PREFSTORE_* environment variables; the flags below override all of them.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.flags.configPath, "config", "c", "", "Path to configuration file")
	pf.StringVar(&c.flags.app, "app", "", "Application root name")
	pf.StringVar(&c.flags.backend, "backend", "", "Backend kind: memory, file, sqlite or keyring")
	pf.StringVar(&c.flags.path, "path", "", "Backend directory or database file")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		c.getCmd(),
		c.setCmd(),
		c.deleteCmd(),
		c.listCmd(),
		c.watchCmd(),
		c.initCmd(),
		c.resetAllCmd(),
		c.demoCmd(),
	)
	return root
}

// loadConfig merges the configuration sources with the command-line flags.
func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts := []config.LoaderOption{config.WithDotEnv(".env")}
	if c.flags.configPath != "" {
		opts = append(opts, config.WithFile(c.flags.configPath))
	} else {
		opts = append(opts, config.WithOptionalFile(config.DefaultPath()))
	}

	cfg, err := config.NewLoader(opts...).Load()
	if err != nil {
		return nil, err
	}
	c.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lc := cfg.Logging()
	lc.Output = c.errOut
	logging.Set(logging.New(lc))
	return cfg, nil
}

func (c *cli) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("app") {
		cfg.AppName = c.flags.app
	}
	if fl.Changed("backend") {
		cfg.Backend.Kind = c.flags.backend
	}
	if fl.Changed("path") {
		cfg.Backend.Path = c.flags.path
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = c.flags.logLevel
	}
}

// withEngine opens an engine, runs fn and closes the engine, flushing
// pending writes. mutate, if non-nil, adjusts the configuration first.
func (c *cli) withEngine(cmd *cobra.Command, mutate func(*config.Config), fn func(*engine.Engine) error, opts ...engine.Option) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(cfg)
	}

	opts = append([]engine.Option{engine.WithCatalog(catalog)}, opts...)
	e, err := engine.Open(cfg, opts...)
	if err != nil {
		return err
	}

	err = fn(e)
	if cerr := e.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *cli) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
