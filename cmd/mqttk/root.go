// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"
	"path/filepath"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/edgeo-scada/mqttk/internal/logging"
	"github.com/edgeo-scada/mqttk/mqtt"
)

var (
	// Global flags
	cfgFile     string
	broker      string
	clientID    string
	username    string
	password    string
	caFile      string
	certFile    string
	keyFile     string
	insecure    bool
	timeout     time.Duration
	keepAlive   time.Duration
	profileName string
	storePath   string

	// Session flags
	cleanSession bool
	maxReconnect time.Duration
	willTopic    string
	willMessage  string
	willQoS      int
	willRetain   bool
	wsHeaders    []string

	// Output flags
	outputFormat string
	verbose      bool
	noColor      bool
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "mqttk",
	Short: "MQTT topic browser and monitor",
	Long: `mqttk browses the topic space of an MQTT broker, monitors subscriptions
and publishes messages, using MQTTk compatible connection profiles.

Supports multiple transport protocols:
  - tcp://, mqtt://  - Plain TCP connection
  - ssl://, mqtts:// - TLS encrypted connection
  - ws://            - WebSocket connection
  - wss://           - Secure WebSocket connection

Examples:
  # Map every topic below "home"
  mqttk browse -t "home/#"

  # Show broker statistics
  mqttk stats --profile test.mosquitto.org

  # Monitor two filters and export the log on exit
  mqttk sub -t "sensor/#" -t "alarm/#" --export messages.json

  # Import MQTT.fx profiles
  mqttk profile import-mqttfx`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "", "", "config file (default is $HOME/.mqttk.yaml)")
	rootCmd.PersistentFlags().StringVarP(&broker, "broker", "b", "tcp://localhost:1883", "MQTT broker URI")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", "", "client ID (auto-generated if empty)")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "username for authentication")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "P", "", "password for authentication")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca-file", "", "CA certificate file")
	rootCmd.PersistentFlags().StringVar(&certFile, "cert-file", "", "client certificate file")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "client key file")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")
	rootCmd.PersistentFlags().DurationVar(&keepAlive, "keepalive", 60*time.Second, "keep-alive interval")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "connection profile to use instead of --broker")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "profile store (default is the MQTTk-config.json of the user config dir)")

	// Session flags
	rootCmd.PersistentFlags().BoolVar(&cleanSession, "clean-session", true, "start with a clean session")
	rootCmd.PersistentFlags().DurationVar(&maxReconnect, "max-reconnect", mqtt.DefaultMaxReconnectDelay, "maximum interval between reconnection attempts")
	rootCmd.PersistentFlags().StringVar(&willTopic, "will-topic", "", "will message topic")
	rootCmd.PersistentFlags().StringVar(&willMessage, "will-message", "", "will message payload")
	rootCmd.PersistentFlags().IntVar(&willQoS, "will-qos", 0, "will message QoS")
	rootCmd.PersistentFlags().BoolVar(&willRetain, "will-retain", false, "retain the will message")
	rootCmd.PersistentFlags().StringArrayVar(&wsHeaders, "ws-header", nil, "extra WebSocket handshake header, as \"Name: value\" (repeatable)")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, csv, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console, json")

	// Bind flags to viper
	for _, name := range []string{
		"broker", "client-id", "username", "password", "ca-file", "cert-file", "key-file",
		"insecure", "timeout", "keepalive", "profile", "store",
		"clean-session", "max-reconnect", "will-topic", "will-message", "will-qos", "will-retain", "ws-header",
		"output", "verbose", "no-color", "log-level", "log-format",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(filepath.Join(home, ".config"))
		viper.SetConfigName(".mqttk")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MQTTK")
	viper.AutomaticEnv()

	configErr := viper.ReadInConfig()

	// Apply viper values to flags
	broker = viper.GetString("broker")
	clientID = viper.GetString("client-id")
	username = viper.GetString("username")
	password = viper.GetString("password")
	caFile = viper.GetString("ca-file")
	certFile = viper.GetString("cert-file")
	keyFile = viper.GetString("key-file")
	insecure = viper.GetBool("insecure")
	timeout = viper.GetDuration("timeout")
	keepAlive = viper.GetDuration("keepalive")
	profileName = viper.GetString("profile")
	storePath = viper.GetString("store")
	cleanSession = viper.GetBool("clean-session")
	maxReconnect = viper.GetDuration("max-reconnect")
	willTopic = viper.GetString("will-topic")
	willMessage = viper.GetString("will-message")
	willQoS = viper.GetInt("will-qos")
	willRetain = viper.GetBool("will-retain")
	wsHeaders = viper.GetStringSlice("ws-header")
	outputFormat = viper.GetString("output")
	verbose = viper.GetBool("verbose")
	noColor = viper.GetBool("no-color")
	logLevel = viper.GetString("log-level")
	logFormat = viper.GetString("log-format")

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		noColor = true
	}

	if configErr == nil && verbose {
		printVerbose("Using config file: %s", viper.ConfigFileUsed())
	}
}

// initLogging routes both our logs and paho's diagnostics to stderr.
func initLogging() {
	cfg := logging.DefaultConfig()
	cfg.Level = logLevel
	cfg.Format = logFormat
	cfg.NoColor = noColor
	if verbose && logLevel == "warn" {
		cfg.Level = "debug"
	}
	logging.Init(cfg)

	paho.ERROR = logging.NewPahoLogger(logging.Logger, zerolog.ErrorLevel)
	paho.CRITICAL = logging.NewPahoLogger(logging.Logger, zerolog.ErrorLevel)
	paho.WARN = logging.NewPahoLogger(logging.Logger, zerolog.WarnLevel)
	if cfg.Level == "debug" {
		paho.DEBUG = logging.NewPahoLogger(logging.Logger, zerolog.DebugLevel)
	}
}
