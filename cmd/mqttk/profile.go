package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/payload"
	"github.com/edgeo-scada/mqttk/profile"
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	Aliases: []string{"profiles"},
	Short:   "Manage connection profiles",
	Long: `Manage the connection profiles of the MQTTk profile store.

Examples:
  # List profiles
  mqttk profile list

  # Create or update a profile
  mqttk profile set local --host localhost --port 1883

  # Use TLS with a CA file
  mqttk profile set secure --host broker.example.com --port 8883 \
    --ssl "CA certificate file" --ca ./ca.pem

  # Import the profiles of MQTT.fx
  mqttk profile import-mqttfx`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a profile and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a profile",
	Long: `Create or update the connection parameters of a profile. Only the flags
given are changed.

TLS modes: "Disabled", "CA signed server certificate", "CA certificate file",
"Self-signed certificate".`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileSet,
}

var profileCopyCmd = &cobra.Command{
	Use:     "copy <from> <to>",
	Aliases: []string{"cp"},
	Short:   "Copy a profile with its history and stored publishes",
	Long: `Copy a profile, including its subscription colours, publish history,
stored publishes and resubscribe topics. An existing target is replaced.
The copy gets a new client ID unless --keep-client-id is given.`,
	Args: cobra.ExactArgs(2),
	RunE: runProfileCopy,
}

var copyKeepClientID bool

var profileRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a profile",
	Args:    cobra.ExactArgs(1),
	RunE:    runProfileRemove,
}

var profileImportCmd = &cobra.Command{
	Use:   "import-mqttfx [file]",
	Short: "Import MQTT.fx connection profiles",
	Long: `Import the connection profiles, subscriptions and stored publishes of an
MQTT.fx mqttfx-config.xml. Without a file, the default MQTT.fx location is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfileImport,
}

var profilePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the profile store location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		fmt.Println(store.Path())
		return nil
	},
}

var profileSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the message view settings",
	Long: `Show or change the settings shared by all profiles: the payload decoder,
payload decompression and the export encoding used by "sub --export".`,
	Args: cobra.NoArgs,
	RunE: runProfileSettings,
}

var (
	setHost        string
	setPort        int
	setClientID    string
	setUser        string
	setPass        string
	setTimeout     int
	setKeepalive   int
	setMQTTVersion string
	setSSL         string
	setCA          string
	setCert        string
	setKey         string
	setResubscribe bool

	settingsDecoder      string
	settingsDecompress   bool
	settingsExportBase64 bool
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileSetCmd, profileCopyCmd, profileRemoveCmd,
		profileImportCmd, profilePathCmd, profileSettingsCmd)

	f := profileSetCmd.Flags()
	f.StringVar(&setHost, "host", "", "broker address")
	f.IntVar(&setPort, "port", 1883, "broker port")
	f.StringVar(&setClientID, "id", "", "client ID")
	f.StringVar(&setUser, "user", "", "username")
	f.StringVar(&setPass, "pass", "", "password")
	f.IntVar(&setTimeout, "connect-timeout", 10, "connection timeout in seconds")
	f.IntVar(&setKeepalive, "keepalive-interval", 60, "keep-alive interval in seconds")
	f.StringVar(&setMQTTVersion, "mqtt-version", "3.1.1", "MQTT version: 3.1, 3.1.1, 5.0")
	f.StringVar(&setSSL, "ssl", string(mqtt.TLSDisabled), "TLS mode")
	f.StringVar(&setCA, "ca", "", "CA certificate file")
	f.StringVar(&setCert, "cert", "", "client certificate file")
	f.StringVar(&setKey, "key", "", "client key file")
	f.BoolVar(&setResubscribe, "resubscribe", false, "restore the subscriptions of the previous session")

	profileCopyCmd.Flags().BoolVar(&copyKeepClientID, "keep-client-id", false, "keep the client ID of the source profile")

	f = profileSettingsCmd.Flags()
	f.StringVar(&settingsDecoder, "decoder", "", "payload decoder: plain, json, hex, msgpack")
	f.BoolVar(&settingsDecompress, "decompress", false, "inflate zlib and bzip2 payloads")
	f.BoolVar(&settingsExportBase64, "export-base64", false, "export every payload as base64")
}

func runProfileList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	last := store.LastUsedConnection()

	type row struct {
		Name     string `json:"name"`
		Broker   string `json:"broker"`
		ClientID string `json:"client_id"`
		Version  string `json:"mqtt_version"`
		TLS      string `json:"ssl"`
		LastUsed bool   `json:"last_used"`
	}
	var rows []row
	for _, name := range store.Profiles() {
		p, err := store.Profile(name)
		if err != nil {
			return err
		}
		c := p.Connection
		rows = append(rows, row{name, c.URI(), c.ClientID, c.MQTTVersion, c.SSL, name == last})
	}

	if OutputFormat(outputFormat) == FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	t := NewTableWriter("", "NAME", "BROKER", "CLIENT ID", "MQTT", "TLS")
	for _, r := range rows {
		mark := ""
		if r.LastUsed {
			mark = render(styleOK, "*")
		}
		t.AddRow(mark, r.Name, r.Broker, r.ClientID, r.Version, r.TLS)
	}
	t.Render(os.Stdout)
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	name := args[0]
	p, err := store.Profile(name)
	if err != nil {
		return err
	}

	if OutputFormat(outputFormat) == FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	w := os.Stdout
	c := p.Connection
	PrintSection(w, name)
	PrintKeyValue(w, "Broker", c.URI())
	PrintKeyValue(w, "Client ID", c.ClientID)
	PrintKeyValue(w, "Username", c.User)
	PrintKeyValue(w, "MQTT version", c.MQTTVersion)
	PrintKeyValue(w, "Timeout", c.TimeoutDuration().String())
	PrintKeyValue(w, "Keep-alive", c.KeepaliveDuration().String())
	PrintKeyValue(w, "TLS", c.SSL)
	if c.TLSEnabled() {
		PrintKeyValue(w, "CA file", c.CAFile)
		PrintKeyValue(w, "Client cert", c.ClientCert)
		PrintKeyValue(w, "Client key", c.ClientKey)
	}
	PrintKeyValue(w, "Resubscribe", strconv.FormatBool(store.Resubscribe(name)))

	if subs := store.SubscriptionHistory(name); len(subs) > 0 {
		PrintSection(w, "Subscriptions")
		for _, topic := range subs {
			colour, _ := store.SubscriptionColour(name, topic)
			marker := ""
			if topic == p.LastSubscribeUsed {
				marker = render(styleDim, " (last used)")
			}
			fmt.Fprintf(w, "  %s %s%s\n", colourBlock(colour), topic, marker)
		}
	}

	if topics := store.PublishTopics(name); len(topics) > 0 {
		PrintSection(w, "Publish topics")
		for _, topic := range topics {
			fmt.Fprintf(w, "  %s\n", topic)
		}
	}

	if templates := store.PublishTemplates(name); len(templates) > 0 {
		PrintSection(w, "Stored publishes")
		t := NewTableWriter("NAME", "TOPIC", "QOS", "RETAINED", "PAYLOAD")
		for _, tname := range slices.Sorted(maps.Keys(templates)) {
			tp := templates[tname]
			data, err := tp.Bytes()
			preview := payload.Preview(data, 40)
			if err != nil {
				preview = render(styleWarning, "invalid payload")
			}
			t.AddRow(tname, tp.Topic, strconv.Itoa(tp.QoS), strconv.FormatBool(tp.Retained), preview)
		}
		t.Render(w)
	}

	if topics := store.ResubscribeTopics(name); len(topics) > 0 {
		PrintSection(w, "Resubscribe topics")
		for _, topic := range topics {
			fmt.Fprintf(w, "  %s\n", topic)
		}
	}
	return nil
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	name := args[0]

	conn := defaultConnection()
	if p, err := store.Profile(name); err == nil {
		conn = p.Connection
	}
	if err := applyConnectionFlags(cmd, &conn); err != nil {
		return err
	}
	if conn.BrokerAddr == "" {
		return fmt.Errorf("profile %q needs a broker address (--host)", name)
	}

	if err := store.SaveConnection(name, conn); err != nil {
		return err
	}
	fmt.Printf("Saved profile %s (%s)\n", name, conn.URI())
	return nil
}

func runProfileCopy(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	from, to := args[0], args[1]
	if from == to {
		return fmt.Errorf("cannot copy profile %q onto itself", from)
	}

	p, err := copyProfile(store, from, to, copyKeepClientID)
	if err != nil {
		return err
	}
	fmt.Printf("Copied profile %s to %s (%s)\n", from, to, p.Connection.URI())
	return nil
}

// copyProfile stores the profile from under the name to. Unless keepID is
// set, the copy gets a fresh client ID so both can be connected at once.
func copyProfile(store *profile.Store, from, to string, keepID bool) (profile.Profile, error) {
	p, err := store.Profile(from)
	if err != nil {
		return p, err
	}
	if !keepID {
		p.Connection.ClientID = profile.NewClientID()
	}
	if err := store.SaveProfile(to, p); err != nil {
		return p, err
	}
	return p, nil
}

func defaultConnection() profile.Connection {
	return profile.Connection{
		BrokerPort:  "1883",
		ClientID:    profile.NewClientID(),
		Timeout:     "10",
		Keepalive:   "60",
		MQTTVersion: "3.1.1",
		SSL:         string(mqtt.TLSDisabled),
	}
}

// applyConnectionFlags copies the explicitly set flags into conn.
func applyConnectionFlags(cmd *cobra.Command, conn *profile.Connection) error {
	f := cmd.Flags()
	if f.Changed("host") {
		conn.BrokerAddr = setHost
	}
	if f.Changed("port") {
		if setPort <= 0 || setPort > 65535 {
			return fmt.Errorf("invalid port %d", setPort)
		}
		conn.BrokerPort = strconv.Itoa(setPort)
	}
	if f.Changed("id") {
		conn.ClientID = setClientID
	}
	if f.Changed("user") {
		conn.User = setUser
	}
	if f.Changed("pass") {
		conn.Pass = setPass
	}
	if f.Changed("connect-timeout") {
		conn.Timeout = strconv.Itoa(setTimeout)
	}
	if f.Changed("keepalive-interval") {
		conn.Keepalive = strconv.Itoa(setKeepalive)
	}
	if f.Changed("mqtt-version") {
		if _, exact := mqtt.ProtocolVersion(setMQTTVersion); !exact && setMQTTVersion != "5.0" {
			return fmt.Errorf("unknown MQTT version %q (want 3.1, 3.1.1 or 5.0)", setMQTTVersion)
		}
		conn.MQTTVersion = setMQTTVersion
	}
	if f.Changed("ssl") {
		mode, err := mqtt.ParseTLSMode(setSSL)
		if err != nil {
			return err
		}
		conn.SSL = string(mode)
	}
	if f.Changed("ca") {
		conn.CAFile = setCA
	}
	if f.Changed("cert") {
		conn.ClientCert = setCert
	}
	if f.Changed("key") {
		conn.ClientKey = setKey
	}
	if f.Changed("resubscribe") {
		conn.Resubscribe = 0
		if setResubscribe {
			conn.Resubscribe = 1
		}
	}
	return nil
}

func runProfileRemove(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.RemoveProfile(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed profile %s\n", args[0])
	return nil
}

func runProfileImport(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		p, ok := profile.FindMQTTFXConfig()
		if !ok {
			return fmt.Errorf("no MQTT.fx configuration found, pass the path of mqttfx-config.xml")
		}
		path = p
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	names, err := store.ImportMQTTFX(path)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d profile(s) from %s\n", len(names), path)
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func runProfileSettings(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("decoder") {
		d, err := payload.ParseDecoder(settingsDecoder)
		if err != nil {
			return err
		}
		if err := store.SetDecoder(d.String()); err != nil {
			return err
		}
	}
	if f.Changed("decompress") {
		if err := store.SetDecompress(settingsDecompress); err != nil {
			return err
		}
	}
	if f.Changed("export-base64") {
		if err := store.SetExportBase64(settingsExportBase64); err != nil {
			return err
		}
	}

	w := os.Stdout
	PrintSection(w, "Settings")
	PrintKeyValue(w, "Decoder", store.Decoder())
	PrintKeyValue(w, "Decompress", strconv.FormatBool(store.Decompress()))
	encoding := "UTF-8 when possible"
	if store.ExportBase64() {
		encoding = "base64"
	}
	PrintKeyValue(w, "Export encoding", encoding)
	PrintKeyValue(w, "Store", store.Path())
	return nil
}
