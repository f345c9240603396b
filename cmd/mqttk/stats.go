package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/mqttk/browser"
	"github.com/edgeo-scada/mqttk/internal/logging"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show broker statistics",
	Long: `Subscribe to $SYS/broker/# and show the broker statistics as a tree.

Examples:
  # Live statistics
  mqttk stats --profile test.mosquitto.org

  # Collect for 15 seconds and print once as CSV
  mqttk stats -d 15s -o csv`,
	RunE: runStats,
}

var (
	statsDuration time.Duration
	statsRefresh  time.Duration
)

// summaryStats are shown above the tree when the broker publishes them.
var summaryStats = []struct{ label, stat string }{
	{"Version", "version"},
	{"Uptime", "uptime"},
	{"Clients connected", "clients/connected"},
	{"Subscriptions", "subscriptions/count"},
	{"Retained messages", "retained messages/count"},
	{"Messages received", "messages/received"},
	{"Messages sent", "messages/sent"},
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().DurationVarP(&statsDuration, "duration", "d", 0, "observation period before printing the statistics once")
	statsCmd.Flags().DurationVar(&statsRefresh, "refresh", time.Second, "screen refresh interval")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := createClient(ctx, true)
	if err != nil {
		return err
	}
	defer disconnectClient(s)

	stats := browser.NewBrokerStats(browser.WithLogger(logging.Logger))
	stats.Attach(s.client)
	if err := stats.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	defer stopWithTimeout("Unsubscribe broker stats", stats.Unsubscribe)

	if statsDuration > 0 || !isInteractive() || OutputFormat(outputFormat) != FormatTable {
		waitFor(ctx, statsDuration)
		width, _ := terminalSize()
		if OutputFormat(outputFormat) == FormatTable {
			printSummary(os.Stdout, stats)
			PrintSection(os.Stdout, browser.StatsPrefix)
		}
		printTopics(os.Stdout, stats.Tree().All(), width)
		return nil
	}

	start := time.Now()
	runLive(ctx, os.Stdout, statsRefresh, func(width, height int) []string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s Broker statistics %s %s\n",
			render(styleOK, "●"), render(styleDim, "["+formatDuration(time.Since(start))+"]"), s.client.Server())
		printSummary(&sb, stats)
		m := s.client.Metrics().Snapshot()
		PrintKeyValue(&sb, "Received by mqttk", fmt.Sprintf("%d msgs, %s", m.MessagesReceived, formatBytes(m.BytesReceived)))
		sb.WriteString(strings.Repeat("─", min(width, 80)) + "\n")

		lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
		return append(lines, treeLines(stats.Tree().All(), width, time.Now())...)
	})
	return nil
}

func printSummary(w io.Writer, stats *browser.BrokerStats) {
	for _, st := range summaryStats {
		if v, ok := stats.Value(st.stat); ok {
			PrintKeyValue(w, st.label, v)
		}
	}
}
