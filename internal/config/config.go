// Package config binds the gateway's environment/flag surface (spec.md
// §6) to a typed Config struct via viper, following the same
// precedence the rest of the ecosystem uses: flags, then environment,
// then defaults.
package config

import (
	"strings"
	"time"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the gateway's full enumerated configuration surface
// (spec.md §6's "Environment / config surface").
type Config struct {
	Name  string `mapstructure:"name"`
	Debug bool   `mapstructure:"debug"`

	Simulation bool `mapstructure:"simulation"`
	Mock       bool `mapstructure:"mock"`

	DeviceHost   string `mapstructure:"device_host"`
	DeviceSerial string `mapstructure:"device_serial"`
	DeviceID     string `mapstructure:"device_id"`
	Discovery    string `mapstructure:"discovery"`

	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	SkipVersionCheck  bool          `mapstructure:"skip_version_check"`

	BackupInterval      time.Duration `mapstructure:"backup_interval"`
	BackupRetryInterval time.Duration `mapstructure:"backup_retry_interval"`
	TimeSyncInterval    time.Duration `mapstructure:"time_sync_interval"`

	MQTTProtocol string `mapstructure:"mqtt_protocol"`
	MQTTHost     string `mapstructure:"mqtt_host"`
	MQTTPort     int    `mapstructure:"mqtt_port"`

	HistoryTopic   string `mapstructure:"history_topic"`
	DatastoreTopic string `mapstructure:"datastore_topic"`
	StateTopic     string `mapstructure:"state_topic"`
	DatastoreURL   string `mapstructure:"datastore_url"`
}

// knownKeys is the full enumerated surface; anything bound outside this
// set is an unrecognized flag (spec.md §6: "unknown flags are
// warned-and-ignored").
var knownKeys = []string{
	"name", "debug", "simulation", "mock",
	"device_host", "device_serial", "device_id", "discovery",
	"command_timeout", "broadcast_interval", "skip_version_check",
	"backup_interval", "backup_retry_interval", "time_sync_interval",
	"mqtt_protocol", "mqtt_host", "mqtt_port",
	"history_topic", "datastore_topic", "state_topic", "datastore_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "spark-one")
	v.SetDefault("debug", false)
	v.SetDefault("simulation", false)
	v.SetDefault("mock", false)
	v.SetDefault("device_host", "")
	v.SetDefault("device_serial", "")
	v.SetDefault("device_id", "")
	v.SetDefault("discovery", "all")
	v.SetDefault("command_timeout", 5*time.Second)
	v.SetDefault("broadcast_interval", 5*time.Second)
	v.SetDefault("skip_version_check", false)
	v.SetDefault("backup_interval", time.Hour)
	v.SetDefault("backup_retry_interval", time.Minute)
	v.SetDefault("time_sync_interval", 6*time.Hour)
	v.SetDefault("mqtt_protocol", "mqtt")
	v.SetDefault("mqtt_host", "eventbus")
	v.SetDefault("mqtt_port", 1883)
	v.SetDefault("history_topic", "brewcast/history")
	v.SetDefault("datastore_topic", "brewcast/datastore")
	v.SetDefault("state_topic", "brewcast/state")
	v.SetDefault("datastore_url", "http://history:5000/history/datastore")
}

// Load binds flags, environment (SPARK_ prefixed), and defaults into a
// Config, in that precedence order. flags may be nil to skip flag
// binding (e.g. in tests).
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("spark")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	warnUnknownKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func warnUnknownKeys(v *viper.Viper) {
	log := clog.NewLogger("config")
	known := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}
	for _, k := range v.AllKeys() {
		if !known[k] {
			log.Warn("ignoring unrecognized configuration key %q", k)
		}
	}
}

// RegisterFlags adds the full enumerated config surface as flags on fs,
// grounded the way the teacher's CLI tooling binds flags
// ahead of a viper.BindPFlags call.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("name", "spark-one", "service name, used for settings documents and MQTT topics")
	fs.Bool("debug", false, "enable debug logging")
	fs.Bool("simulation", false, "run against an in-process simulated controller")
	fs.Bool("mock", false, "run against a mock link transport")
	fs.String("device_host", "", "TCP host of the controller")
	fs.String("device_serial", "", "serial device path of the controller")
	fs.String("device_id", "", "expected controller device id; empty accepts any")
	fs.String("discovery", "all", "discovery mode: all, mdns, usb, or none")
	fs.Duration("command_timeout", 5*time.Second, "timeout for a single command round-trip")
	fs.Duration("broadcast_interval", 5*time.Second, "interval between periodic block broadcasts")
	fs.Bool("skip_version_check", false, "accept a handshake with a mismatched proto version")
	fs.Duration("backup_interval", time.Hour, "interval between automatic backups")
	fs.Duration("backup_retry_interval", time.Minute, "retry interval after a failed backup")
	fs.Duration("time_sync_interval", 6*time.Hour, "interval between controller time syncs")
	fs.String("mqtt_protocol", "mqtt", "MQTT broker protocol")
	fs.String("mqtt_host", "eventbus", "MQTT broker host")
	fs.Int("mqtt_port", 1883, "MQTT broker port")
	fs.String("history_topic", "brewcast/history", "MQTT topic for history events")
	fs.String("datastore_topic", "brewcast/datastore", "MQTT topic for datastore change notifications")
	fs.String("state_topic", "brewcast/state", "MQTT topic for service state events")
	fs.String("datastore_url", "http://history:5000/history/datastore", "base URL of the datastore REST service")
}
