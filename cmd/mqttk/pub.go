package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/profile"
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish a message to a topic",
	Long: `Publish one or more messages to an MQTT topic.

The message payload can be provided via:
  - The -m/--message flag
  - A file with -f/--file
  - Standard input (piped)
  - A stored publish of the profile with --template

With a profile, the topic is added to its publish history, and --save stores
the message as a named publish template.

Examples:
  # Simple publish
  mqttk pub -t "sensor/temp" -m "23.5"

  # Publish with QoS 1 and retain
  mqttk pub -t "config/device1" -m '{"enabled":true}' -q 1 --retain

  # Save a template, then replay it
  mqttk pub -p local -t "lights/on" -m "1" --save lights-on
  mqttk pub -p local --template lights-on

  # Repeated publishing (100 messages, 1 second interval)
  mqttk pub -t "heartbeat" -m "ping {n}" -n 100 -i 1s`,
	RunE: runPub,
}

var (
	pubTopic    string
	pubMessage  string
	pubFile     string
	pubQoS      int
	pubRetain   bool
	pubCount    int
	pubInterval time.Duration
	pubTemplate string
	pubSave     string
)

func init() {
	rootCmd.AddCommand(pubCmd)

	pubCmd.Flags().StringVarP(&pubTopic, "topic", "t", "", "topic to publish to (defaults to the last one used by the profile)")
	pubCmd.Flags().StringVarP(&pubMessage, "message", "m", "", "message payload")
	pubCmd.Flags().StringVarP(&pubFile, "file", "f", "", "read payload from file")
	pubCmd.Flags().IntVarP(&pubQoS, "qos", "q", 0, "QoS level (0, 1, or 2)")
	pubCmd.Flags().BoolVarP(&pubRetain, "retain", "r", false, "retain message")
	pubCmd.Flags().IntVarP(&pubCount, "count", "n", 1, "number of messages to publish (0 = infinite)")
	pubCmd.Flags().DurationVarP(&pubInterval, "interval", "i", 0, "interval between messages")
	pubCmd.Flags().StringVar(&pubTemplate, "template", "", "publish a stored publish of the profile")
	pubCmd.Flags().StringVar(&pubSave, "save", "", "store the message as a publish template of the profile")
}

// publishRequest is what gets published, once flags and template are merged.
type publishRequest struct {
	topic   string
	payload []byte
	qos     mqtt.QoS
	retain  bool
}

func runPub(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := createClient(ctx, false)
	if err != nil {
		return err
	}
	defer disconnectClient(s)

	req, err := buildPublishRequest(cmd, s)
	if err != nil {
		return err
	}
	if err := mqtt.ValidateTopic(req.topic); err != nil {
		return err
	}

	count := pubCount
	if count == 0 {
		count = -1 // infinite
	}

	published := 0
	startTime := time.Now()

	for i := 0; count < 0 || i < count; i++ {
		if ctx.Err() != nil {
			printVerbose("Interrupted, published %d messages", published)
			break
		}

		msgPayload := formatPayload(req.payload, i+1)
		if err := s.client.Publish(ctx, req.topic, msgPayload, req.qos, req.retain); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		published++

		if verbose {
			fmt.Printf("Published [%d] to %s (QoS %d, Retain: %v): %s\n",
				published, req.topic, req.qos, req.retain, truncate(string(msgPayload), 100))
		}

		if pubInterval > 0 && (count < 0 || i < count-1) {
			waitFor(ctx, pubInterval)
		}
	}

	if s.profile != "" && published > 0 {
		saveHistory(s, req)
	}

	elapsed := time.Since(startTime)
	if !verbose {
		fmt.Printf("Published %d message(s) to %s in %s\n", published, req.topic, formatDuration(elapsed))
	} else {
		m := s.client.Metrics().Snapshot()
		rate := float64(published) / elapsed.Seconds()
		fmt.Printf("Published %d message(s), %s, in %s (%.2f msg/s)\n",
			published, formatBytes(m.BytesSent), formatDuration(elapsed), rate)
	}
	return nil
}

// buildPublishRequest merges the stored template, if any, with the flags.
// Flags that were set explicitly win.
func buildPublishRequest(cmd *cobra.Command, s *session) (publishRequest, error) {
	var req publishRequest

	if pubTemplate != "" {
		if s.profile == "" {
			return req, errors.New("--template requires --profile")
		}
		t, ok := s.store.PublishTemplates(s.profile)[pubTemplate]
		if !ok {
			return req, fmt.Errorf("no stored publish %q in profile %q", pubTemplate, s.profile)
		}
		data, err := t.Bytes()
		if err != nil {
			return req, fmt.Errorf("stored publish %q: %w", pubTemplate, err)
		}
		req = publishRequest{topic: t.Topic, payload: data, qos: mqtt.QoS(t.QoS), retain: t.Retained}
	}

	flags := cmd.Flags()
	if pubTopic != "" {
		req.topic = pubTopic
	}
	if req.topic == "" && s.profile != "" {
		req.topic = s.store.LastPublishTopic(s.profile)
	}
	if req.topic == "" {
		return req, errors.New("topic is required (-t)")
	}

	if pubTemplate == "" || flags.Changed("qos") {
		qos, err := mqtt.ParseQoS(pubQoS)
		if err != nil {
			return req, err
		}
		req.qos = qos
	}
	if pubTemplate == "" || flags.Changed("retain") {
		req.retain = pubRetain
	}

	if pubTemplate == "" || pubMessage != "" || pubFile != "" {
		data, err := getPayload()
		if err != nil {
			return req, err
		}
		req.payload = data
	}
	return req, nil
}

func saveHistory(s *session, req publishRequest) {
	if _, err := s.store.SavePublishTopic(s.profile, req.topic); err != nil && !errors.Is(err, profile.ErrReadOnly) {
		printWarning("failed to save publish history: %v", err)
	}
	if pubSave == "" {
		return
	}
	t := profile.NewPublishTemplate(req.topic, int(req.qos), req.payload, req.retain)
	if err := s.store.SavePublishTemplate(s.profile, pubSave, t); err != nil {
		printWarning("failed to save publish template: %v", err)
		return
	}
	printVerbose("Saved publish template %q", pubSave)
}

func getPayload() ([]byte, error) {
	// From message flag
	if pubMessage != "" {
		return []byte(pubMessage), nil
	}

	// From file
	if pubFile != "" {
		data, err := os.ReadFile(pubFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return data, nil
	}

	// From stdin
	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		// Trim trailing newline
		if len(data) > 0 && data[len(data)-1] == '\n' {
			data = data[:len(data)-1]
		}
		return data, nil
	}

	return nil, errors.New("message is required (-m, -f, or stdin)")
}

// formatPayload substitutes {n} with the message counter.
func formatPayload(payload []byte, counter int) []byte {
	if !strings.Contains(string(payload), "{n}") {
		return payload
	}
	return []byte(strings.ReplaceAll(string(payload), "{n}", strconv.Itoa(counter)))
}
