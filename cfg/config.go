package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Event log backend names
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendNats   = "nats"
	BackendKafka  = "kafka"
)

// SQLConfiguration for the sqlite and mysql event log backends
type SQLConfiguration struct {
	DSN            string `toml:"dsn"`              // Empty = {data_dir}/events.db for sqlite
	PollIntervalMS int    `toml:"poll_interval_ms"` // How often followers look for appends by other processes
}

// NatsConfiguration for the JetStream event log backend
type NatsConfiguration struct {
	URL     string `toml:"url"`
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
}

// KafkaConfiguration for the Kafka event log backend
type KafkaConfiguration struct {
	Brokers           []string `toml:"brokers"`
	Topic             string   `toml:"topic"`
	ReplicationFactor int      `toml:"replication_factor"`
}

// EventLogConfiguration controls the bounded event log
type EventLogConfiguration struct {
	Backend  string             `toml:"backend"`
	Name     string             `toml:"name"`      // Collection/table/stream name
	CapBytes int64              `toml:"cap_bytes"` // Ring size; oldest records are discarded past this
	SQL      SQLConfiguration   `toml:"sql"`
	Nats     NatsConfiguration  `toml:"nats"`
	Kafka    KafkaConfiguration `toml:"kafka"`
}

// TailerConfiguration controls the log follower
type TailerConfiguration struct {
	BackoffMS int `toml:"backoff_ms"` // Wait before reopening a dead or failed stream
}

// CacheConfiguration controls the memoizing cache
type CacheConfiguration struct {
	SingleFlight      bool `toml:"single_flight"`       // De-duplicate concurrent misses per key
	AwaitTimeoutMS    int  `toml:"await_timeout_ms"`    // Upper bound for emit-and-await callers
	CollectIntervalMS int  `toml:"collect_interval_ms"` // Gauge sampling interval
}

// BlogConfiguration for the categories store
type BlogConfiguration struct {
	DatabasePath string `toml:"database_path"` // Empty = {data_dir}/blog.db
}

// AdminConfiguration for the admin HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Token       string `toml:"token"` // Empty = no authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	EventLog   EventLogConfiguration   `toml:"event_log"`
	Tailer     TailerConfiguration     `toml:"tailer"`
	Cache      CacheConfiguration      `toml:"cache"`
	Blog       BlogConfiguration       `toml:"blog"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	BackendFlag    = flag.String("backend", "", "Event log backend (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a fresh copy of the built-in defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./blogcache-data",

		EventLog: EventLogConfiguration{
			Backend:  BackendPebble,
			Name:     "events",
			CapBytes: 100 * 1024, // event records are rare and very small
			SQL: SQLConfiguration{
				PollIntervalMS: 500,
			},
			Nats: NatsConfiguration{
				URL:     "nats://127.0.0.1:4222",
				Stream:  "BLOG_EVENTS",
				Subject: "blog.events",
			},
			Kafka: KafkaConfiguration{
				Brokers:           []string{"127.0.0.1:9092"},
				Topic:             "blog-events",
				ReplicationFactor: 1,
			},
		},

		Tailer: TailerConfiguration{
			BackoffMS: 1000,
		},

		Cache: CacheConfiguration{
			SingleFlight:      false,
			AwaitTimeoutMS:    2000,
			CollectIntervalMS: 5000,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8888,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *BackendFlag != "" {
		Config.EventLog.Backend = *BackendFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID and process
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("blogcache")
	if err != nil {
		return 0, err
	}

	// Several server processes may run on one machine and share a log
	h := fnv.New64a()
	h.Write([]byte(id))
	fmt.Fprintf(h, "/%d", os.Getpid())
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.EventLog.Backend {
	case BackendMemory, BackendPebble, BackendSQLite, BackendMySQL, BackendNats, BackendKafka:
	default:
		return fmt.Errorf("unknown event log backend: %q", Config.EventLog.Backend)
	}

	if Config.EventLog.Name == "" {
		return fmt.Errorf("event log name is required")
	}

	if Config.EventLog.CapBytes < 1024 {
		return fmt.Errorf("event log cap must be >= 1024 bytes, got %d", Config.EventLog.CapBytes)
	}

	if Config.EventLog.Backend == BackendMySQL && Config.EventLog.SQL.DSN == "" {
		return fmt.Errorf("mysql event log requires event_log.sql.dsn")
	}

	if (Config.EventLog.Backend == BackendSQLite || Config.EventLog.Backend == BackendMySQL) &&
		Config.EventLog.SQL.PollIntervalMS < 1 {
		return fmt.Errorf("sql poll interval must be >= 1ms")
	}

	if Config.EventLog.Backend == BackendNats {
		if Config.EventLog.Nats.URL == "" || Config.EventLog.Nats.Stream == "" || Config.EventLog.Nats.Subject == "" {
			return fmt.Errorf("nats event log requires url, stream and subject")
		}
	}

	if Config.EventLog.Backend == BackendKafka {
		if len(Config.EventLog.Kafka.Brokers) == 0 || Config.EventLog.Kafka.Topic == "" {
			return fmt.Errorf("kafka event log requires brokers and topic")
		}
		if Config.EventLog.Kafka.ReplicationFactor < 1 {
			return fmt.Errorf("kafka replication factor must be >= 1")
		}
	}

	if Config.Tailer.BackoffMS < 1 {
		return fmt.Errorf("tailer backoff must be >= 1ms")
	}

	if Config.Cache.AwaitTimeoutMS < 0 {
		return fmt.Errorf("cache await timeout must be >= 0")
	}

	if Config.Cache.CollectIntervalMS < 1 {
		return fmt.Errorf("cache collect interval must be >= 1ms")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// SQLitePath returns the sqlite event log path
func SQLitePath() string {
	return SQLitePathFor(Config)
}

// SQLitePathFor returns the sqlite event log path of c
func SQLitePathFor(c *Configuration) string {
	if c.EventLog.SQL.DSN != "" {
		return c.EventLog.SQL.DSN
	}
	return filepath.Join(c.DataDir, "events.db")
}

// BlogDatabasePath returns the path to the blog sqlite database
func BlogDatabasePath() string {
	return BlogDatabasePathFor(Config)
}

// BlogDatabasePathFor returns the blog sqlite database path of c
func BlogDatabasePathFor(c *Configuration) string {
	if c.Blog.DatabasePath != "" {
		return c.Blog.DatabasePath
	}
	return filepath.Join(c.DataDir, "blog.db")
}
