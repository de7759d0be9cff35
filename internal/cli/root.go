// Package cli implements the evenginectl commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	driver    string
	dsn       string
	logLevel  string
	logFormat string
	lockLease time.Duration

	logger *slog.Logger
}

// open connects to the configured store.
func (o *rootOptions) open(ctx context.Context) (store.Store, error) {
	var opts []store.Option
	if o.lockLease > 0 {
		opts = append(opts, store.WithLockLease(o.lockLease))
	}
	s, err := store.Open(ctx, o.driver, o.dsn, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", o.driver, err)
	}
	o.logger.Debug("store opened", slog.String("driver", o.driver))
	return s, nil
}

// withStore opens the store, runs fn and closes the store again.
func (o *rootOptions) withStore(ctx context.Context, fn func(store.Store) error) error {
	s, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			o.logger.Warn("close store", slog.String("error", cerr.Error()))
		}
	}()
	return fn(s)
}

// NewRootCommand builds the evenginectl command tree.
func NewRootCommand() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "evenginectl",
		Short: "Inspect and maintain an evengine record store",
		Long: `evenginectl works directly on the record store shared by evengine nodes.

It counts and lists claimable records, sweeps stale records to EXPIRED and
clears an advisory lock left behind by a crashed node.

Run 'evenginectl help <command>' for more information on a command.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			o.logger = newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.driver, "driver", "sqlite", "Store driver: sqlite, postgres or memory")
	flags.StringVar(&o.dsn, "dsn", envOr("EVENGINE_DSN", "./events.db"), "SQLite file path or PostgreSQL connection string")
	flags.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
	flags.DurationVar(&o.lockLease, "lock-lease", 0, "Treat a lock older than this as abandoned")

	cmd.AddCommand(
		newCountCommand(o),
		newListCommand(o),
		newFindCommand(o),
		newExpireCommand(o),
		newLockCommand(o),
		newUnlockCommand(o),
	)
	return cmd
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
