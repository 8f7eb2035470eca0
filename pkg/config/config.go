package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const DefaultPath = "./config/local.yaml"

type Config struct {
	Env      string  `yaml:"env" env:"ENV" env-default:"local"`
	Logger   Logger  `yaml:"logger"`
	HTTP     HTTP    `yaml:"http"`
	Postgres PG      `yaml:"postgres"`
	Redis    Redis   `yaml:"redis"`
	Kafka    Kafka   `yaml:"kafka"`
	Outbox   Outbox  `yaml:"outbox"`
	Tracing  Tracing `yaml:"tracing"`
	Limiter  Limiter `yaml:"limiter"`
}

type Logger struct {
	Level    string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Encoding string `yaml:"encoding" env:"LOG_ENCODING"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3004"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type PG struct {
	URL            string        `yaml:"url" env:"DB_URL" env-required:"true"`
	MaxConns       int32         `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
	MinConns       int32         `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"2"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env-default:"5s"`
	MaxConnLife    time.Duration `yaml:"max_conn_lifetime" env-default:"1h"`
	MaxConnIdle    time.Duration `yaml:"max_conn_idle_time" env-default:"15m"`
	HealthCheck    time.Duration `yaml:"health_check_period" env-default:"30s"`
	MigrationsPath string        `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL" env-default:"10m"`
}

type Kafka struct {
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	GroupID       string        `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"inventory-service-group"`
	OrderTopic    string        `yaml:"order_topic" env:"KAFKA_ORDER_TOPIC" env-default:"order_events"`
	OutboundTopic string        `yaml:"outbound_topic" env:"KAFKA_OUTBOUND_TOPIC" env-default:"inventory_events"`
	MaxDeliveries int           `yaml:"max_deliveries" env:"KAFKA_MAX_DELIVERIES" env-default:"5"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"KAFKA_RETRY_BACKOFF" env-default:"200ms"`
}

type Outbox struct {
	BatchSize     int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"50"`
	Interval      time.Duration `yaml:"interval" env:"OUTBOX_INTERVAL" env-default:"500ms"`
	Retention     time.Duration `yaml:"retention" env:"OUTBOX_RETENTION" env-default:"72h"`
	PurgeInterval time.Duration `yaml:"purge_interval" env-default:"1m"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" env:"TRACING_ENABLED" env-default:"true"`
	Endpoint string `yaml:"endpoint" env:"JAEGER_ENDPOINT" env-default:"localhost:4318"`
}

type Limiter struct {
	Max        int           `yaml:"max" env-default:"20"`
	Expiration time.Duration `yaml:"expiration" env-default:"5s"`
}

// Load reads the yaml file at path and applies env overrides on top.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	return &cfg, nil
}

// Path picks the config file: CONFIG_PATH when set, DefaultPath otherwise.
func Path() string {
	if path, ok := os.LookupEnv("CONFIG_PATH"); ok && path != "" {
		return path
	}

	return DefaultPath
}

func MustLoad() *Config {
	cfg, err := Load(Path())
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	return cfg
}
