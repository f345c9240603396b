package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/mqttk/browser"
	"github.com/edgeo-scada/mqttk/internal/logging"
	"github.com/edgeo-scada/mqttk/topictree"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Map the topics under a filter",
	Long: `Subscribe to a filter and map every topic that carries a message into a
live topic tree.

With --duration, or when stdout is not a terminal, the tree is printed once
after the observation period in the selected output format.

Examples:
  # Live topic tree of the whole broker
  mqttk browse -t "#"

  # Ignore retained messages
  mqttk browse -t "home/#" --ignore-retained

  # Only show the subtree below home/kitchen
  mqttk browse -t "home/#" --path home/kitchen

  # Collect for 10 seconds and print as JSON
  mqttk browse -t "#" -d 10s -o json`,
	RunE: runBrowse,
}

var (
	browseFilter         string
	browseIgnoreRetained bool
	browseDuration       time.Duration
	browseRefresh        time.Duration
	browsePath           string
)

func init() {
	rootCmd.AddCommand(browseCmd)

	browseCmd.Flags().StringVarP(&browseFilter, "topic", "t", "#", "filter to browse")
	browseCmd.Flags().BoolVar(&browseIgnoreRetained, "ignore-retained", false, "do not map retained messages")
	browseCmd.Flags().DurationVarP(&browseDuration, "duration", "d", 0, "observation period before printing the tree once")
	browseCmd.Flags().DurationVar(&browseRefresh, "refresh", 500*time.Millisecond, "screen refresh interval")
	browseCmd.Flags().StringVar(&browsePath, "path", "", "only show the subtree rooted at this topic")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := createClient(ctx, true)
	if err != nil {
		return err
	}
	defer disconnectClient(s)

	opts := []browser.Option{
		browser.WithPalette(browser.NewPalette(s.store)),
		browser.WithLogger(logging.Logger),
	}
	if s.profile != "" {
		opts = append(opts, browser.WithStore(s.store))
	}
	tb := browser.NewTopicBrowser(opts...)
	tb.Attach(s.client, s.profile)
	tb.SetIgnoreRetained(browseIgnoreRetained)

	if err := tb.Browse(ctx, browseFilter); err != nil {
		return fmt.Errorf("browse failed: %w", err)
	}
	defer stopWithTimeout("Stop browsing", tb.Stop)

	start := time.Now()
	if browseDuration > 0 || !isInteractive() || OutputFormat(outputFormat) != FormatTable {
		fmt.Fprintf(os.Stderr, "Browsing %s", browseFilter)
		if browseDuration > 0 {
			fmt.Fprintf(os.Stderr, " for %s", browseDuration)
		}
		fmt.Fprintln(os.Stderr, "...")

		waitFor(ctx, browseDuration)
		entries, err := subtree(tb.Tree(), browsePath)
		if err != nil {
			return err
		}
		width, _ := terminalSize()
		printTopics(os.Stdout, entries, width)
		fmt.Fprintln(os.Stderr, tb.Status())
		return nil
	}

	runLive(ctx, os.Stdout, browseRefresh, func(width, height int) []string {
		return browseFrame(tb, s, start, width)
	})
	return nil
}

// subtree returns the entries below path, or the whole tree when path is
// empty.
func subtree(tree *topictree.Tree, path string) (iter.Seq[topictree.Entry], error) {
	if path == "" {
		return tree.All(), nil
	}
	entries, err := tree.From(path)
	if errors.Is(err, topictree.ErrNotFound) {
		return nil, fmt.Errorf("topic %q was not observed", path)
	}
	return entries, err
}

func browseFrame(tb *browser.TopicBrowser, s *session, start time.Time, width int) []string {
	filter, colour := tb.Filter()
	elapsed := time.Since(start)
	received := s.client.Metrics().MessagesReceived.Load()
	rate := 0.0
	if elapsed >= time.Second {
		rate = float64(received) / elapsed.Seconds()
	}

	state := render(styleOK, "●")
	if !s.client.IsConnected() {
		state = render(styleWarning, "●")
	}

	lines := []string{
		fmt.Sprintf("%s MQTT Browse %s %s", state, render(styleDim, "["+formatDuration(elapsed)+"]"), s.client.Server()),
		fmt.Sprintf("%s %s | %s | Messages: %d | Rate: %.1f msg/s",
			colourBlock(colour), filter, tb.Status(), received, rate),
	}
	if tb.IgnoreRetained() {
		lines[1] += " | retained ignored"
	}
	lines = append(lines, strings.Repeat("─", min(width, 80)))

	entries, err := subtree(tb.Tree(), browsePath)
	if err != nil {
		lines = append(lines, render(styleDim, "waiting for "+browsePath+"..."))
	} else {
		lines = append(lines, treeLines(entries, width, time.Now())...)
	}
	return lines
}
