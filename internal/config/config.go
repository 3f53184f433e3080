// Package config loads the proxy's layered configuration: built-in
// defaults, a YAML file, then `${VAR}` environment expansion. There is no
// command-line flag layer: no flag overrides a loaded field, and the binary's
// -config flag only selects which file is read. The credential list and routing table are hot-reloadable
// and live in their own files, watched separately (see watch.go and
// internal/credential's own Watch).
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Mode is the deployment posture, gating whether admin auth is mandatory.
type Mode string

const (
	ModeLocal    Mode = "local"
	ModeInternet Mode = "internet"
)

// Config is the top-level proxy configuration, per spec §6's recognised
// options grouped by concern.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Routing     RoutingConfig     `yaml:"routing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Pool        PoolConfig        `yaml:"pool"`
	Retries     RetriesConfig     `yaml:"retries"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Security    SecurityConfig    `yaml:"security"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Models      []ModelConfig     `yaml:"models"`
}

// ServerConfig governs the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RoutingConfig locates the hot-reloaded routing table file.
type RoutingConfig struct {
	File            string `yaml:"file"`
	DefaultModel    string `yaml:"defaultModel"`
	EnableHotReload bool   `yaml:"enableHotReload"`
}

// ModelConfig describes one upstream model's tier and per-million-token
// pricing, surfaced verbatim via GET /models and consulted by the cost
// calculator after a response's usage is known. The pricing table itself
// is an external collaborator (spec §1's "static pricing tables"); this is
// only its contract -- a flat, config-supplied rate per model.
type ModelConfig struct {
	Name            string  `yaml:"name"`
	Tier            string  `yaml:"tier"`
	InputPerMTok    float64 `yaml:"inputPerMTok"`
	OutputPerMTok   float64 `yaml:"outputPerMTok"`
}

// CredentialsConfig locates and governs the hot-reloaded credential file.
type CredentialsConfig struct {
	ConfigDir       string `yaml:"configDir"`
	KeysFile        string `yaml:"keysFile"`
	EnableHotReload bool   `yaml:"enableHotReload"`
}

// ConcurrencyConfig bounds the admission gate.
type ConcurrencyConfig struct {
	MaxTotalConcurrency int           `yaml:"maxTotalConcurrency"`
	QueueSize            int           `yaml:"queueSize"`
	QueueTimeout         time.Duration `yaml:"queueTimeout"`
	MaxBodySize          int64         `yaml:"maxBodySize"`
	StoreBodySizeLimit   int64         `yaml:"storeBodySizeLimit"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"`
}

// PoolConfig sets the per-credential defaults applied to every entry in the
// credential file (rate limiting and circuit-breaker tuning).
type PoolConfig struct {
	MaxConcurrency        int           `yaml:"maxConcurrency"`
	RequestsPerMinute      int64         `yaml:"requestsPerMinute"`
	Burst                  int64         `yaml:"burst"`
	FailureRateThreshold   float64       `yaml:"failureRateThreshold"`
	WindowCB               time.Duration `yaml:"windowCB"`
	CooldownBaseMs         int64         `yaml:"cooldownBaseMs"`
	CooldownCapMs          int64         `yaml:"cooldownCapMs"`
}

// RetriesConfig bounds the forwarder's retry policy.
type RetriesConfig struct {
	RetryBudget  int   `yaml:"retryBudget"`
	RetryBaseMs  int64 `yaml:"retryBaseMs"`
	RetryCapMs   int64 `yaml:"retryCapMs"`
}

// TelemetryConfig governs logging, snapshot schema, SSE behavior, and
// optional distributed tracing.
type TelemetryConfig struct {
	LogLevel          string        `yaml:"logLevel"`
	SchemaVersion     int           `yaml:"schemaVersion"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ReplaySize        int           `yaml:"replaySize"`
	ClientTimeout     time.Duration `yaml:"clientTimeout"`
	Tracing           TracingConfig `yaml:"tracing"`
}

// TracingConfig points at an OTLP/gRPC collector. Empty Endpoint disables
// tracing entirely -- SetupTracing is never called.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// SecurityConfig governs deployment posture and admin-endpoint auth.
type SecurityConfig struct {
	Mode      Mode      `yaml:"mode"`
	AdminAuth AdminAuth `yaml:"adminAuth"`
	CSP       CSPConfig `yaml:"csp"`
	Logging   LoggingConfig `yaml:"logging"`
}

// AdminAuth configures the admin-token header check for mutating endpoints.
type AdminAuth struct {
	Enabled    bool     `yaml:"enabled"`
	Tokens     []string `yaml:"tokens"`
	HeaderName string   `yaml:"headerName"`
}

// CSPConfig controls whether a Content-Security-Policy header is attached
// to every response.
type CSPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls request-body redaction in logs and traces.
type LoggingConfig struct {
	RedactBodies bool `yaml:"redactBodies"`
}

// PersistenceConfig locates the stats snapshot file, its debounce, and the
// sqlite database backing the /history rollup store.
type PersistenceConfig struct {
	StatsFile        string        `yaml:"statsFile"`
	SnapshotDebounce time.Duration `yaml:"snapshotDebounce"`
	RollupDSN        string        `yaml:"rollupDSN"`
	TraceCapacity    int           `yaml:"traceCapacity"`
	LogFile          string        `yaml:"logFile"`
	LogRingSize      int           `yaml:"logRingSize"`
}

// Validate enforces the invariant spec §6 calls out explicitly: internet
// mode requires at least one admin token configured.
func (c *Config) Validate() error {
	if c.Security.Mode == ModeInternet && (!c.Security.AdminAuth.Enabled || len(c.Security.AdminAuth.Tokens) == 0) {
		return fmt.Errorf("config: security.mode=internet requires security.adminAuth.enabled with at least one token")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving the pattern untouched when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses must not be capped
			IdleTimeout:  120 * time.Second,
		},
		Credentials: CredentialsConfig{
			ConfigDir:       ".",
			KeysFile:        "keys.json",
			EnableHotReload: true,
		},
		Routing: RoutingConfig{
			File:            "routing.json",
			DefaultModel:    "",
			EnableHotReload: true,
		},
		Concurrency: ConcurrencyConfig{
			MaxTotalConcurrency: 64,
			QueueSize:           32,
			QueueTimeout:        5 * time.Second,
			MaxBodySize:         5 << 20,
			StoreBodySizeLimit:  64 << 10,
			ShutdownTimeout:     30 * time.Second,
		},
		Pool: PoolConfig{
			MaxConcurrency:       8,
			RequestsPerMinute:    60,
			Burst:                10,
			FailureRateThreshold: 0.5,
			WindowCB:             30 * time.Second,
			CooldownBaseMs:       1000,
			CooldownCapMs:        60_000,
		},
		Retries: RetriesConfig{
			RetryBudget: 1,
			RetryBaseMs: 200,
			RetryCapMs:  2000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:          "info",
			SchemaVersion:     2,
			HeartbeatInterval: 15 * time.Second,
			ReplaySize:        50,
			ClientTimeout:     30 * time.Second,
		},
		Security: SecurityConfig{
			Mode: ModeLocal,
			AdminAuth: AdminAuth{
				HeaderName: "x-admin-token",
			},
		},
		Persistence: PersistenceConfig{
			StatsFile:        "stats.json",
			SnapshotDebounce: 10 * time.Second,
			RollupDSN:        "file:history.db?cache=shared",
			TraceCapacity:    500,
			LogFile:          "logs/llmproxy.log",
			LogRingSize:      1000,
		},
	}
}

// Load reads and parses a YAML config file over the built-in defaults,
// expanding ${VAR} environment references before unmarshalling. A missing
// file is not an error: the defaults stand alone, matching a zero-config
// local run.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
