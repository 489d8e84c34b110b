package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/pkg/client"
	"github.com/baaaht/msgplane/pkg/types"
)

var (
	probeAddress  string
	probeIdentity string
	probeCount    int
	probeTimeout  time.Duration
)

// probeCmd checks a running plane end to end: it registers a throwaway
// identity, measures heartbeat round trips, and unregisters again
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that a message plane is reachable and routing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()
		return runProbe(ctx, cmd, probeAddress, types.PluginID(probeIdentity), probeCount)
	},
}

func runProbe(ctx context.Context, cmd *cobra.Command, address string, id types.PluginID, count int) error {
	if count < 1 {
		return types.NewErrorf(types.ErrCodeInvalidArgument, "count must be at least 1, got %d", count)
	}
	if id == "" {
		id = types.PluginID("probe-" + uuid.NewString())
	}

	c, err := client.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Register(ctx, id); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "registered %s at %s\n", id, address)

	var total time.Duration
	for i := 0; i < count; i++ {
		rtt, err := c.Heartbeat(ctx)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		total += rtt
		fmt.Fprintf(out, "heartbeat seq=%d rtt=%s\n", i+1, rtt)
	}
	if count > 1 {
		fmt.Fprintf(out, "average rtt=%s\n", total/time.Duration(count))
	}

	if err := c.Unregister(ctx); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	fmt.Fprintln(out, "unregistered")
	return nil
}

func init() {
	probeCmd.Flags().StringVar(&probeAddress, "address", config.DefaultEndpoint,
		"Plane address: tcp://host:port, unix:///path, or ws://host:port/path")
	probeCmd.Flags().StringVar(&probeIdentity, "identity", "",
		"Identity to register (default: probe-<uuid>)")
	probeCmd.Flags().IntVar(&probeCount, "count", 1, "Number of heartbeats to send")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "Overall probe timeout")
}
