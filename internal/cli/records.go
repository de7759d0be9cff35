package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/evengine/pkg/evengine/record"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

// queryFlags selects claimable records the way the poller does.
type queryFlags struct {
	eventType   string
	node        string
	distributed bool
	expireAfter time.Duration
	limit       int
}

func (q *queryFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&q.eventType, "type", "", "Event type (empty matches all)")
	f.StringVar(&q.node, "node", "", "Claiming node id")
	f.BoolVar(&q.distributed, "distributed", false, "Select distributed records instead of local ones")
	f.DurationVar(&q.expireAfter, "expire-after", 0, "Only records dispatched within this window")
}

func (q *queryFlags) query() record.Query {
	return record.Query{
		EventType:   q.eventType,
		Since:       time.Now(),
		Distributed: q.distributed,
		NodeID:      q.node,
		ExpireAfter: q.expireAfter,
		Limit:       q.limit,
	}
}

func newCountCommand(o *rootOptions) *cobra.Command {
	q := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count records a node could claim",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(cmd.Context(), func(s store.Store) error {
				n, err := s.Count(cmd.Context(), q.query())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	q.bind(cmd)
	return cmd
}

func newListCommand(o *rootOptions) *cobra.Command {
	q := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records a node could claim, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(cmd.Context(), func(s store.Store) error {
				recs, err := s.List(cmd.Context(), q.query())
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
	q.bind(cmd)
	cmd.Flags().IntVar(&q.limit, "limit", 50, "Maximum number of records")
	return cmd
}

func newFindCommand(o *rootOptions) *cobra.Command {
	var (
		filter store.Filter
		status string
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find records by event type and status",
		Long: `Find lists records regardless of who may claim them.
Example: evenginectl find --type orders.Placed --status FAILED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				filter.Status = record.Status(strings.ToUpper(status))
				if !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			return o.withStore(cmd.Context(), func(s store.Store) error {
				recs, err := s.Find(cmd.Context(), &filter)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.EventType, "type", "", "Event type (empty matches all)")
	f.StringVar(&status, "status", "", "PENDING, PARTIAL, SUCCESS, FAILED or EXPIRED")
	f.IntVar(&filter.Limit, "limit", 50, "Maximum number of records")
	f.IntVar(&filter.Offset, "offset", 0, "Records to skip")
	return cmd
}

func printRecords(w io.Writer, recs []*record.Record) error {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCALLBACK\tORIGIN\tDISPATCHED\tINSTANCES")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s.%s\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Listener, r.Callback, r.Origin,
			r.DispatchTime.Format(time.RFC3339), strings.Join(r.Instances, ","))
	}
	return tw.Flush()
}
