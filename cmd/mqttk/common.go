package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edgeo-scada/mqttk/internal/logging"
	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/profile"
)

// session is a connected client together with the profile it was built from.
// profile is empty for connections made from --broker.
type session struct {
	client  *mqtt.Client
	store   *profile.Store
	profile string
}

// openStore opens the profile store. A malformed store is still returned,
// read-only, after a warning.
func openStore() (*profile.Store, error) {
	path := storePath
	if path == "" {
		p, err := profile.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	store, err := profile.Open(path, profile.WithLogger(logging.Component("profile")))
	if errors.Is(err, profile.ErrMalformed) {
		printWarning("%v (changes will not be saved)", err)
		return store, nil
	}
	return store, err
}

// createClient opens the store and connects with the selected profile or the
// --broker flags.
func createClient(ctx context.Context, autoReconnect bool) (*session, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	opts, err := buildClientOptions(store)
	if err != nil {
		return nil, err
	}
	extra, err := sessionOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	opts = append(opts,
		mqtt.WithAutoReconnect(autoReconnect),
		mqtt.WithLogger(logging.Component("mqtt")),
	)
	if verbose {
		opts = append(opts,
			mqtt.WithOnConnect(func(c *mqtt.Client) {
				printVerbose("Connected to %s", c.Server())
			}),
			mqtt.WithOnConnectionLost(func(c *mqtt.Client, err error) {
				printVerbose("Connection lost: %v", err)
			}),
			mqtt.WithOnReconnecting(func(c *mqtt.Client) {
				printVerbose("Reconnecting to %s", c.Server())
			}),
		)
	}

	client := mqtt.NewClient(opts...)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	if profileName != "" {
		if err := store.SetLastUsedConnection(profileName); err != nil && !errors.Is(err, profile.ErrReadOnly) {
			printWarning("failed to save last used connection: %v", err)
		}
	}
	return &session{client: client, store: store, profile: profileName}, nil
}

// buildClientOptions builds client options from --profile when set, and from
// the connection flags otherwise.
func buildClientOptions(store *profile.Store) ([]mqtt.Option, error) {
	if profileName != "" {
		p, err := store.Profile(profileName)
		if err != nil {
			return nil, err
		}
		return profileOptions(p.Connection)
	}
	return flagOptions()
}

func profileOptions(conn profile.Connection) ([]mqtt.Option, error) {
	id := conn.ClientID
	if id == "" {
		id = profile.NewClientID()
	}

	version, exact := mqtt.ProtocolVersion(conn.MQTTVersion)
	if !exact {
		printWarning("MQTT %s is not supported, using 3.1.1", conn.MQTTVersion)
	}

	opts := []mqtt.Option{
		mqtt.WithServer(conn.URI()),
		mqtt.WithClientID(id),
		mqtt.WithProtocolVersion(version),
		mqtt.WithKeepAlive(conn.KeepaliveDuration()),
		mqtt.WithConnectTimeout(conn.TimeoutDuration()),
	}
	if conn.User != "" {
		opts = append(opts, mqtt.WithCredentials(conn.User, conn.Pass))
	}

	mode, err := mqtt.ParseTLSMode(conn.SSL)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := mqtt.BuildTLSConfig(mqtt.TLSSettings{
		Mode:     mode,
		CAFile:   conn.CAFile,
		CertFile: conn.ClientCert,
		KeyFile:  conn.ClientKey,
		Insecure: insecure,
	})
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, mqtt.WithTLS(tlsConfig))
	}
	return opts, nil
}

func flagOptions() ([]mqtt.Option, error) {
	id := clientID
	if id == "" {
		id = profile.NewClientID()
	}

	opts := []mqtt.Option{
		mqtt.WithServer(broker),
		mqtt.WithClientID(id),
		mqtt.WithKeepAlive(keepAlive),
		mqtt.WithConnectTimeout(timeout),
	}
	if username != "" {
		opts = append(opts, mqtt.WithCredentials(username, password))
	}

	tlsConfig, err := mqtt.BuildTLSConfig(flagTLSSettings())
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, mqtt.WithTLS(tlsConfig))
	}
	return opts, nil
}

// sessionOptions builds the options shared by profile and flag connections:
// clean session, reconnect interval, will message and WebSocket headers.
func sessionOptions() ([]mqtt.Option, error) {
	opts := []mqtt.Option{
		mqtt.WithCleanSession(cleanSession),
		mqtt.WithMaxReconnectInterval(maxReconnect),
	}

	if willTopic != "" {
		if err := mqtt.ValidateTopic(willTopic); err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		qos, err := mqtt.ParseQoS(willQoS)
		if err != nil {
			return nil, fmt.Errorf("will QoS: %w", err)
		}
		opts = append(opts, mqtt.WithWill(willTopic, []byte(willMessage), qos, willRetain))
	}

	if len(wsHeaders) > 0 {
		h, err := parseHeaders(wsHeaders)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mqtt.WithWebSocketHeader(h))
	}
	return opts, nil
}

// parseHeaders parses "Name: value" pairs.
func parseHeaders(values []string) (http.Header, error) {
	h := make(http.Header, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", v)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// flagTLSSettings picks the TLS mode implied by the certificate flags.
func flagTLSSettings() mqtt.TLSSettings {
	s := mqtt.TLSSettings{CAFile: caFile, CertFile: certFile, KeyFile: keyFile, Insecure: insecure}
	switch {
	case certFile != "" || keyFile != "":
		s.Mode = mqtt.TLSSelfSigned
	case caFile != "":
		s.Mode = mqtt.TLSCAFile
	case insecure:
		s.Mode = mqtt.TLSCASigned
	default:
		s.Mode = mqtt.TLSDisabled
	}
	return s
}

// disconnectClient gracefully disconnects the client.
func disconnectClient(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		printVerbose("Disconnect: %v", err)
	}
}

// stopWithTimeout runs stop with a short deadline, reporting its error like
// disconnectClient does.
func stopWithTimeout(what string, stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := stop(ctx)
	if err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		printVerbose("%s: %v", what, err)
	}
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// printWarning prints a warning to stderr.
func printWarning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return d.Truncate(time.Second).String()
}

// formatBytes formats bytes for display.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
