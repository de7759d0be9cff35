package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

func newExpireCommand(o *rootOptions) *cobra.Command {
	var windows []string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Move stale records to EXPIRED",
		Long: `Expire runs the expiry pass a primary node would run.
Each --type flag gives an event type and its expiry window in type=duration form.
Example: evenginectl expire --type orders.Placed=1h --type billing.Charged=30m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ttl, err := parseWindows(windows)
			if err != nil {
				return err
			}
			return o.withStore(cmd.Context(), func(s store.Store) error {
				n, err := s.Expire(cmd.Context(), ttl)
				if err != nil {
					return err
				}
				o.logger.Info("expiry pass complete", slog.Int("expired", n))
				fmt.Fprintf(cmd.OutOrStdout(), "%d record(s) expired\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&windows, "type", nil, "Event type and expiry window, type=duration (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// parseWindows turns type=duration pairs into an expiry map.
func parseWindows(pairs []string) (map[string]time.Duration, error) {
	ttl := make(map[string]time.Duration, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid window %q, use type=duration", p)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", p, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("window %q must be positive", p)
		}
		ttl[name] = d
	}
	return ttl, nil
}

func newLockCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show the advisory lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(cmd.Context(), func(s store.Store) error {
				st, err := s.LockStatus(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !st.Locked {
					fmt.Fprintln(out, "unlocked")
					return nil
				}
				fmt.Fprintf(out, "held by %s since %s\n", st.HeldBy, st.AcquiredAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

var errNotHolder = errors.New("lock not held by that node")

func newUnlockCommand(o *rootOptions) *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Release an advisory lock left by a crashed node",
		Long: `Unlock releases the store lock on behalf of --node.
Only do this when that node is known to be down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(cmd.Context(), func(s store.Store) error {
				released, err := s.Unlock(cmd.Context(), node)
				if err != nil {
					return err
				}
				if !released {
					return fmt.Errorf("%w: %s", errNotHolder, node)
				}
				o.logger.Warn("advisory lock released", slog.String("node", node))
				fmt.Fprintf(cmd.OutOrStdout(), "released lock held by %s\n", node)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "Node id holding the lock")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}
