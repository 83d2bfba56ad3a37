package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ClusterOptions struct {
	ClusterId string
	ServiceId string
}

type GatewayOptions struct {
	RefreshPeriod time.Duration
}

type SiloOptions struct {
	RoutableIP  string
	SiloPort    int
	GatewayPort int
	AdminPort   int
	SiloName    string
	RoleName    string
	Grains      []string

	HeartbeatInterval     time.Duration
	TableRefreshInterval  time.Duration
	MissedHeartbeats      int
	DefunctSiloExpiration time.Duration
	CleanupInterval       time.Duration
	OperationTimeout      time.Duration
	SuspicionWindow       time.Duration
	SuspicionQuorum       int
}

type Config struct {
	Cluster ClusterOptions
	Store   StoreOptions
	Gateway GatewayOptions
	Silo    SiloOptions
}

// Load reads an optional .env file into the environment, then builds the
// configuration from it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("unable to load .env: %v", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from the variables returned by getenv,
// applying defaults for the ones that are empty.
func FromEnv(getenv func(string) string) (Config, error) {
	p := &parser{getenv: getenv}

	c := Config{
		Cluster: ClusterOptions{
			ClusterId: p.str("CLUSTER_ID", "dev"),
			ServiceId: p.str("SERVICE_ID", "dev"),
		},
		Store: StoreOptions{
			Backend:        p.str("STORE_BACKEND", BackendMinio),
			Endpoint:       p.str("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:      p.str("MINIO_ACCESS_KEY", ""),
			SecretKey:      p.str("MINIO_SECRET_KEY", ""),
			UseSSL:         p.boolean("MINIO_USE_SSL", false),
			Region:         p.str("MINIO_REGION", ""),
			DSN:            p.str("DATABASE_URL", ""),
			Path:           p.str("BOLT_PATH", "objects.db"),
			RedisHostPort:  p.str("REDIS_HOST_PORT", "localhost:6379"),
			EtcdEndpoints:  p.list("ETCD_ENDPOINTS", []string{"localhost:2379"}),
			ConditionalPut: p.boolean("STORE_CONDITIONAL_PUT", true),
		},
		Gateway: GatewayOptions{
			RefreshPeriod: p.duration("GATEWAY_REFRESH_PERIOD", time.Minute),
		},
		Silo: SiloOptions{
			RoutableIP:            p.str("ROUTABLE_IP", ""),
			SiloPort:              p.integer("PORT", 11111),
			GatewayPort:           p.integer("GATEWAY_PORT", 30000),
			AdminPort:             p.integer("METRICS_PORT", 8080),
			SiloName:              p.str("SILO_NAME", ""),
			RoleName:              p.str("ROLE_NAME", "silo"),
			Grains:                p.list("SILO_GRAINS", nil),
			HeartbeatInterval:     p.duration("HEARTBEAT_INTERVAL", 5*time.Second),
			TableRefreshInterval:  p.duration("TABLE_REFRESH_INTERVAL", 10*time.Second),
			MissedHeartbeats:      p.integer("MISSED_HEARTBEATS", 3),
			DefunctSiloExpiration: p.duration("DEFUNCT_SILO_EXPIRATION", 7*24*time.Hour),
			CleanupInterval:       p.duration("DEFUNCT_CLEANUP_INTERVAL", time.Hour),
			OperationTimeout:      p.duration("OPERATION_TIMEOUT", 30*time.Second),
			SuspicionWindow:       p.duration("SUSPICION_WINDOW", 60*time.Second),
			SuspicionQuorum:       p.integer("SUSPICION_QUORUM", 2),
		},
	}

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Cluster.ClusterId == "" {
		return fmt.Errorf("CLUSTER_ID is required")
	}
	if c.Silo.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Silo.MissedHeartbeats <= 0 {
		return fmt.Errorf("MISSED_HEARTBEATS must be positive")
	}
	if c.Gateway.RefreshPeriod <= 0 {
		return fmt.Errorf("GATEWAY_REFRESH_PERIOD must be positive")
	}
	return c.Store.Validate()
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err != nil {
		p.errs = append(p.errs, fmt.Errorf("unable to parse %s=%q: %v", key, v, err))
		return def
	} else {
		return i
	}
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err != nil {
		p.errs = append(p.errs, fmt.Errorf("unable to parse %s=%q: %v", key, v, err))
		return def
	} else {
		return b
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err != nil {
		p.errs = append(p.errs, fmt.Errorf("unable to parse %s=%q: %v", key, v, err))
		return def
	} else {
		return d
	}
}

func (p *parser) list(key string, def []string) []string {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	items := make([]string, 0)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
