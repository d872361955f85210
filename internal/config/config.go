// Package config loads the bridge's configuration from environment
// variables, following the same env-tag + reflection pattern the teacher
// uses for its server config: each field's `env` tag carries the variable
// name and an optional default (KEY?=default allows explicitly setting an
// empty value; KEY=default falls back to default when unset).
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds every environment-configurable setting for cmd/paibridge.
type Config struct {
	// How to reach the panel: either a direct host:port, or SiteID+Email to
	// resolve through the vendor directory and STUN/TURN relay.
	PanelAddr string `env:"PAIBRIDGE_PANEL_ADDR"`
	SiteID    string `env:"PAIBRIDGE_SITE_ID"`
	Email     string `env:"PAIBRIDGE_EMAIL"`

	// The panel's IP150/IP151 module password (distinct from the keypad
	// PIN used at InitializeCommunication time for some families).
	Password string `env:"PAIBRIDGE_PASSWORD"`

	SourceID int  `env:"PAIBRIDGE_SOURCE_ID=2"`
	SyncTime bool `env:"PAIBRIDGE_SYNC_TIME=true"`

	// Comma-separated status block indices to poll every cycle (0-5).
	StatusRequests []string `env:"PAIBRIDGE_STATUS_REQUESTS=0,1,2,3,4,5"`

	// Inclusion lists: only element keys listed here (by 1-based number) are
	// applied from a status bulk reply; keys outside these lists are
	// ignored, mirroring cfg.ZONES/PARTITIONS/OUTPUTS/BUSES/REPEATERS/
	// KEYPADS in the original's user config module. Empty means "none".
	Zones      []string `env:"PAIBRIDGE_ZONES"`
	Partitions []string `env:"PAIBRIDGE_PARTITIONS"`
	Outputs    []string `env:"PAIBRIDGE_OUTPUTS"`
	Buses      []string `env:"PAIBRIDGE_BUSES"`
	Repeaters  []string `env:"PAIBRIDGE_REPEATERS"`
	Keypads    []string `env:"PAIBRIDGE_KEYPADS"`

	// Partition property names excluded from the human-readable
	// notification a partition change would otherwise raise.
	PartitionsChangeNotificationIgnore []string `env:"PAIBRIDGE_PARTITIONS_CHANGE_NOTIFICATION_IGNORE"`

	KeepAliveInterval   time.Duration `env:"PAIBRIDGE_KEEP_ALIVE_INTERVAL=30s"`
	PowerUpdateInterval time.Duration `env:"PAIBRIDGE_POWER_UPDATE_INTERVAL=1s"`

	PushPowerUpdateWithoutChange bool `env:"PAIBRIDGE_PUSH_POWER_UPDATE_WITHOUT_CHANGE"`
	PushUpdateWithoutChange      bool `env:"PAIBRIDGE_PUSH_UPDATE_WITHOUT_CHANGE"`

	ConnectRetries int `env:"PAIBRIDGE_CONNECT_RETRIES=3"`

	LoggingDumpPackets  bool `env:"PAIBRIDGE_LOGGING_DUMP_PACKETS"`
	LoggingDumpMessages bool `env:"PAIBRIDGE_LOGGING_DUMP_MESSAGES"`

	LogLevel        zerolog.Level `env:"PAIBRIDGE_LOG_LEVEL=info"`
	LogStdout       bool          `env:"PAIBRIDGE_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"PAIBRIDGE_LOG_STDOUT_PRETTY"`
	LogFile         string        `env:"PAIBRIDGE_LOG_FILE"`

	// If set, serve Prometheus metrics on this address.
	MetricsAddr string `env:"PAIBRIDGE_METRICS_ADDR"`
	// If set, metrics requests must carry this value as a Bearer token.
	MetricsSecret string `env:"PAIBRIDGE_METRICS_SECRET"`

	// If set, accept zone/partition/output control commands over HTTP on
	// this address.
	ControlAddr   string `env:"PAIBRIDGE_CONTROL_ADDR"`
	ControlSecret string `env:"PAIBRIDGE_CONTROL_SECRET"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" strings into c, applying
// each field's default when the corresponding key is absent.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "PAIBRIDGE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// StatusRequestIndices parses StatusRequests into integers, as consumed by
// supervisor.Config.
func (c *Config) StatusRequestIndices() ([]int, error) {
	return parseIntList("status request", c.StatusRequests)
}

// ZoneIndices, PartitionIndices, OutputIndices, BusIndices, RepeaterIndices,
// and KeypadIndices parse the corresponding inclusion-list field into
// element keys, as consumed by supervisor.processStatusBulk.
func (c *Config) ZoneIndices() ([]int, error)      { return parseIntList("zone", c.Zones) }
func (c *Config) PartitionIndices() ([]int, error) { return parseIntList("partition", c.Partitions) }
func (c *Config) OutputIndices() ([]int, error)    { return parseIntList("output", c.Outputs) }
func (c *Config) BusIndices() ([]int, error)       { return parseIntList("bus", c.Buses) }
func (c *Config) RepeaterIndices() ([]int, error)  { return parseIntList("repeater", c.Repeaters) }
func (c *Config) KeypadIndices() ([]int, error)    { return parseIntList("keypad", c.Keypads) }

func parseIntList(what string, ss []string) ([]int, error) {
	out := make([]int, 0, len(ss))
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%s index %q: %w", what, s, err)
		}
		out = append(out, n)
	}
	return out, nil
}
