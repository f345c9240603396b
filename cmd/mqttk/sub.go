package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/mqttk/browser"
	"github.com/edgeo-scada/mqttk/internal/logging"
	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/payload"
	"github.com/edgeo-scada/mqttk/profile"
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Monitor subscriptions",
	Long: `Subscribe to one or more filters and print received messages, each
marked with the colour of its subscription.

When the profile has resubscribe enabled, the filters of the previous session
are restored and the current ones are saved on exit.

Supports MQTT wildcards:
  - + matches a single level (e.g., sensor/+/temp)
  - # matches multiple levels (e.g., sensor/#)

Examples:
  # Subscribe to two filters, muting the second
  mqttk sub -t "sensor/#" -t "debug/#" --mute "debug/#"

  # Pretty print JSON payloads
  mqttk sub -t "events/#" --decoder json

  # Hex view of compressed payloads
  mqttk sub -t "blobs/#" --decoder hex --decompress

  # Export the message log on exit
  mqttk sub -t "#" --export messages.json --base64`,
	RunE: runSub,
}

var (
	subTopics     []string
	subQoS        int
	subCount      int
	subMute       []string
	subColours    []string
	subDecoder    string
	subDecompress bool
	subExport     string
	subBase64     bool
)

func init() {
	rootCmd.AddCommand(subCmd)

	subCmd.Flags().StringArrayVarP(&subTopics, "topic", "t", nil, "filters to subscribe to (repeatable)")
	subCmd.Flags().IntVarP(&subQoS, "qos", "q", 0, "QoS level (0, 1, or 2)")
	subCmd.Flags().IntVarP(&subCount, "count", "c", 0, "maximum number of messages (0 = unlimited)")
	subCmd.Flags().StringArrayVar(&subMute, "mute", nil, "subscribed filter whose messages are dropped (repeatable)")
	subCmd.Flags().StringArrayVar(&subColours, "colour", nil, "filter=#rrggbb colour for a subscription (repeatable)")
	subCmd.Flags().StringVar(&subDecoder, "decoder", "", "payload decoder: plain, json, hex, msgpack (default from the profile store)")
	subCmd.Flags().BoolVar(&subDecompress, "decompress", false, "inflate zlib and bzip2 payloads")
	subCmd.Flags().StringVar(&subExport, "export", "", "write the message log to this JSON file on exit")
	subCmd.Flags().BoolVar(&subBase64, "base64", false, "export every payload as base64")
}

func runSub(cmd *cobra.Command, args []string) error {
	qos, err := mqtt.ParseQoS(subQoS)
	if err != nil {
		return err
	}
	colours, err := parseColours(subColours)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := createClient(ctx, true)
	if err != nil {
		return err
	}
	defer disconnectClient(s)

	decoder, decompress, base64Only, err := subSettings(cmd, s.store)
	if err != nil {
		return err
	}

	formatter := NewFormatter(os.Stdout, outputFormat, decoder, decompress)
	var (
		mon      *browser.Monitor
		printMu  sync.Mutex
		received atomic.Int64
	)
	onMessage := func(r browser.Record) {
		colour := ""
		for _, sub := range mon.Subscriptions() {
			if sub.Filter == r.SubscriptionPattern {
				colour = sub.Colour
				break
			}
		}
		printMu.Lock()
		formatter.FormatRecord(r, colour)
		printMu.Unlock()

		if n := received.Add(1); subCount > 0 && n >= int64(subCount) {
			cancel()
		}
	}

	opts := []browser.Option{
		browser.WithPalette(browser.NewPalette(s.store)),
		browser.WithLogger(logging.Logger),
		browser.WithOnMessage(onMessage),
	}
	if s.profile != "" {
		opts = append(opts, browser.WithStore(s.store))
	}
	mon = browser.NewMonitor(browser.NewLog(), opts...)
	mon.Attach(s.client, s.profile)
	mon.MuteOnSubscribe(subMute...)

	for _, filter := range subTopics {
		if err := mqtt.ValidateFilter(filter); err != nil {
			return err
		}
		if err := mon.Subscribe(ctx, filter, qos); err != nil {
			return fmt.Errorf("subscribe to %s failed: %w", filter, err)
		}
	}
	if err := mon.Resubscribe(ctx); err != nil {
		printWarning("resubscribe: %v", err)
	}

	subs := mon.Subscriptions()
	if len(subs) == 0 {
		return errors.New("at least one topic is required")
	}
	for _, filter := range subMute {
		if err := mon.Mute(filter, true); err != nil {
			return err
		}
	}
	for filter, colour := range colours {
		if err := mon.SetColour(filter, colour); err != nil {
			return err
		}
	}

	if OutputFormat(outputFormat) == FormatTable {
		printSubscriptions(mon.Subscriptions())
	}

	<-ctx.Done()

	// Keep the message log but forget subscriptions before the disconnect.
	if err := mon.Cleanup(); err != nil && !errors.Is(err, profile.ErrReadOnly) {
		printWarning("failed to save resubscribe topics: %v", err)
	}

	if subExport != "" {
		if err := exportLog(mon.Log(), subExport, base64Only); err != nil {
			return err
		}
	}

	printVerbose("Received %d message(s)", mon.Log().Len())
	return nil
}

// subSettings resolves decoder, decompression and export encoding from the
// flags, falling back to the profile store.
func subSettings(cmd *cobra.Command, store *profile.Store) (payload.Decoder, bool, bool, error) {
	name := subDecoder
	if name == "" {
		name = store.Decoder()
	}
	decoder, err := payload.ParseDecoder(name)
	if err != nil {
		return payload.Plain, false, false, err
	}

	decompress := store.Decompress()
	if cmd.Flags().Changed("decompress") {
		decompress = subDecompress
	}
	base64Only := store.ExportBase64()
	if cmd.Flags().Changed("base64") {
		base64Only = subBase64
	}
	return decoder, decompress, base64Only, nil
}

// parseColours parses filter=#rrggbb pairs.
func parseColours(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		i := strings.LastIndex(p, "=")
		if i <= 0 || !isHexColour(p[i+1:]) {
			return nil, fmt.Errorf("invalid colour %q (want filter=#rrggbb)", p)
		}
		out[p[:i]] = strings.ToLower(p[i+1:])
	}
	return out, nil
}

func isHexColour(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func printSubscriptions(subs []browser.Subscription) {
	for _, sub := range subs {
		name := sub.Filter
		if sub.Muted {
			name = render(styleMuted, name) + render(styleDim, " (muted)")
		}
		fmt.Fprintf(os.Stderr, "%s %s %s\n", colourBlock(sub.Colour), name, render(styleDim, fmt.Sprintf("[QoS:%d]", sub.QoS)))
	}
}

func exportLog(log *browser.Log, path string, base64Only bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	start := time.Now()
	n, err := log.Export(f, base64Only)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d message(s) to %s in %s\n", n, path, formatDuration(time.Since(start)))
	return f.Close()
}
