package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mdgateway/internal/gatewayerr"
)

// GatewayConfig is the top-level configuration for the market data gateway
// process: feed adapters, the downstream WebSocket surface, the REST
// control plane, and resilience knobs for the Distributor/Connector.
type GatewayConfig struct {
	Adapters           []AdapterConfig      `yaml:"adapters"`
	WebSocket          WebSocketConfig      `yaml:"websocket"`
	REST               RESTConfig           `yaml:"rest"`
	DefaultInstruments []string             `yaml:"default_instruments"`
	UpdatePolicy       UpdatePolicyConfig   `yaml:"update_policy"`
	Outbox             OutboxConfig         `yaml:"outbox"`
	Redis              RedisConfig          `yaml:"redis"`
	Distributor        DistributorConfig    `yaml:"distributor"`
}

// AdapterConfig names one upstream feed adapter and the instrument
// prefixes it owns (empty Prefixes means "broadcast candidate").
type AdapterConfig struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"` // "simulated" (or empty); other kinds fall back to simulated
	Prefixes []string `yaml:"prefixes"`
}

// WebSocketConfig tunes the downstream session surface.
type WebSocketConfig struct {
	Path              string `yaml:"path"`
	BatchIntervalMS   int    `yaml:"batch_interval_ms"`
	BatchSizeThreshold int   `yaml:"batch_size_threshold"`
	HeartbeatSecs     int    `yaml:"heartbeat_secs"`
	OutboxCapacity    int    `yaml:"outbox_capacity"`
}

// RESTConfig tunes the control plane HTTP server.
type RESTConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// UpdatePolicyConfig configures resubscribe/backoff behavior at the
// Connector layer.
type UpdatePolicyConfig struct {
	BackoffInitialMS int     `yaml:"backoff_initial_ms"`
	BackoffMaxMS     int     `yaml:"backoff_max_ms"`
	CommandRPS       float64 `yaml:"command_rps"`
	CommandBurst     int     `yaml:"command_burst"`
}

// OutboxConfig holds a hard cap on session outbox entries. HardCapEntries
// is parsed but not read by the gateway: each session's cap comes from
// WebSocketConfig.OutboxCapacity.
type OutboxConfig struct {
	HardCapEntries int `yaml:"hard_cap_entries"`
}

// RedisConfig follows the teacher's "auto" fallback convention: if Addr is
// empty, the process runs with an in-memory cache instead of failing.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// DistributorConfig tunes the Distributor's internal sharding.
type DistributorConfig struct {
	Shards        int `yaml:"shards"`
	InboxCapacity int `yaml:"inbox_capacity"`
}

// LoadGatewayConfig loads and validates gateway configuration from a YAML
// file, following the teacher's LoadProvidersConfig shape.
func LoadGatewayConfig(configPath string) (*GatewayConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}

	cfg := DefaultGatewayConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	return &cfg, nil
}

// DefaultGatewayConfig returns the configuration used when no file is
// supplied: a single simulated adapter, no Redis, defaults matching
// spec.md's stated timing constants.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Adapters: []AdapterConfig{{Name: "simulated", Kind: "simulated"}},
		WebSocket: WebSocketConfig{
			Path:               "/ws/market",
			BatchIntervalMS:    100,
			BatchSizeThreshold: 50,
			HeartbeatSecs:      30,
			OutboxCapacity:     4096,
		},
		REST: RESTConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		UpdatePolicy: UpdatePolicyConfig{
			BackoffInitialMS: 1000,
			BackoffMaxMS:     60000,
			CommandRPS:       50,
			CommandBurst:     100,
		},
		Outbox:      OutboxConfig{HardCapEntries: 4096},
		Distributor: DistributorConfig{Shards: 16, InboxCapacity: 4096},
	}
}

// Validate ensures the configuration is internally consistent.
func (c *GatewayConfig) Validate() error {
	if len(c.Adapters) == 0 {
		return fmt.Errorf("%w: at least one adapter must be configured", gatewayerr.ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(c.Adapters))
	for _, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("%w: adapter entry missing name", gatewayerr.ErrConfigInvalid)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: duplicate adapter name %q", gatewayerr.ErrConfigInvalid, a.Name)
		}
		seen[a.Name] = true
	}
	if c.WebSocket.Path == "" {
		return fmt.Errorf("%w: websocket.path must not be empty", gatewayerr.ErrConfigInvalid)
	}
	if c.WebSocket.BatchIntervalMS < 0 {
		return fmt.Errorf("%w: websocket.batch_interval_ms must not be negative", gatewayerr.ErrConfigInvalid)
	}
	if c.Distributor.Shards <= 0 {
		return fmt.Errorf("%w: distributor.shards must be positive", gatewayerr.ErrConfigInvalid)
	}
	if c.UpdatePolicy.BackoffInitialMS <= 0 || c.UpdatePolicy.BackoffMaxMS < c.UpdatePolicy.BackoffInitialMS {
		return fmt.Errorf("%w: update_policy backoff bounds are invalid", gatewayerr.ErrConfigInvalid)
	}
	return nil
}
