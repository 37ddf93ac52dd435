// Package cmd implements the tripscan command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/tripscan/internal/config"
	"github.com/HerbHall/tripscan/internal/history"
	"github.com/HerbHall/tripscan/internal/store"
	"github.com/HerbHall/tripscan/internal/version"
)

// ErrNoDatabase is returned by history commands when database.path is empty.
var ErrNoDatabase = errors.New("no database configured")

// app carries state shared by every subcommand.
type app struct {
	configPath string
	output     string

	v      *viper.Viper
	cfg    config.Config
	logger *zap.Logger

	// bindings maps flags onto config keys; applied once the config is loaded.
	bindings []binding
}

type binding struct {
	key  string
	flag *pflag.Flag
}

// NewRootCommand returns the tripscan command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(nil)
}

// newRootCommand builds the tree; a non-nil logger replaces the configured one.
func newRootCommand(logger *zap.Logger) *cobra.Command {
	a := &app{logger: logger}

	cmd := &cobra.Command{
		Use:   "tripscan",
		Short: "Detect anomalies in recorded and live vehicle telemetry",
		Long: `tripscan replays recorded trips or follows a live MQTT feed through a set of
streaming detectors (coolant overheat, idle RPM instability) and reports the
events they raise. Runs and their events are kept in a local SQLite history.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Version:           version.Short(),
		PersistentPreRunE: a.setup,
	}
	cmd.SetVersionTemplate(version.Info() + "\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default is ./tripscan.yaml)")
	flags.StringVarP(&a.output, "output", "o", "text", "output format: text or json")
	flags.String("db", "", "SQLite database path (overrides database.path)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	a.bind("database.path", flags.Lookup("db"))
	a.bind("logging.level", flags.Lookup("log-level"))

	cmd.AddCommand(
		newAnalyzeCmd(a),
		newWatchCmd(a),
		newRunsCmd(a),
		newEventsCmd(a),
		newVersionCmd(a),
	)
	return cmd
}

// Execute runs the command tree against ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (a *app) bind(key string, f *pflag.Flag) {
	a.bindings = append(a.bindings, binding{key: key, flag: f})
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.output != "text" && a.output != "json" {
		return fmt.Errorf("invalid --output %q: must be text or json", a.output)
	}

	v, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	for _, b := range a.bindings {
		if err := v.BindPFlag(b.key, b.flag); err != nil {
			return fmt.Errorf("bind --%s: %w", b.flag.Name, err)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	a.v, a.cfg = v, cfg

	if a.logger == nil {
		logger, err := config.NewLogger(v)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.logger = logger
		cobra.OnFinalize(func() { _ = logger.Sync() })
	}

	if f := v.ConfigFileUsed(); f != "" {
		a.logger.Debug("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	}
	return nil
}

// openHistory opens the configured database and its history tables.
func (a *app) openHistory(ctx context.Context) (*store.SQLiteStore, *history.Store, error) {
	path := a.cfg.Database.Path
	if path == "" {
		return nil, nil, ErrNoDatabase
	}
	st, err := store.New(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.CheckVersion(ctx, version.Short()); err != nil {
		st.Close()
		return nil, nil, err
	}
	hist, err := history.Open(ctx, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	a.logger.Debug("database initialized",
		zap.String("component", "database"),
		zap.String("path", path),
	)
	return st, hist, nil
}

func (a *app) jsonOutput() bool {
	return a.output == "json"
}
