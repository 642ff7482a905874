// Package config loads the hedgerun YAML configuration, applies defaults and
// validates it. Validation failures are ConfigurationErrors and are fatal at
// startup.
package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// App holds process-wide settings
type App struct {
	Name       string `yaml:"name"`
	LogLevel   string `yaml:"log_level"`
	HTTPAddr   string `yaml:"http_addr"`
	InstanceID string `yaml:"instance_id"`
}

// Monitor tunes the per-asset monitoring cycle and decision engine
type Monitor struct {
	Interval        time.Duration `yaml:"interval"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout"`
	TargetBuffer    float64       `yaml:"target_buffer"`
	UrgentRatio     float64       `yaml:"urgent_ratio"`
	MaxDeferrals    int           `yaml:"max_deferrals"`
	MinOrderQty     float64       `yaml:"min_order_qty"`
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
}

// Risk configures the risk metrics calculator
type Risk struct {
	VaRMethod    string  `yaml:"var_method"`
	Confidence   float64 `yaml:"confidence"`
	HorizonDays  float64 `yaml:"horizon_days"`
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	VolSource    string  `yaml:"vol_source"`
	MinHistory   int     `yaml:"min_history"`
	EWMALambda   float64 `yaml:"ewma_lambda"`
}

// Asset binds a monitored asset to its hedge instrument and venue ranking.
// Strategy is perpetual, protective_put or covered_call; option strategies
// pick from the chain the feed supplies.
type Asset struct {
	Asset           string        `yaml:"asset"`
	HedgeInstrument string        `yaml:"hedge_instrument"`
	Venues          []string      `yaml:"venues"`
	PositionSize    float64       `yaml:"position_size"`
	AutoStart       bool          `yaml:"auto_start"`
	Strategy        string        `yaml:"strategy"`
	Beta            float64       `yaml:"beta"`
	MaxOptionExpiry time.Duration `yaml:"max_option_expiry"`
}

// Breaker configures the per-venue circuit breaker
type Breaker struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// Venue describes one execution venue
type Venue struct {
	Name        string  `yaml:"name"`
	Kind        string  `yaml:"kind"`
	Rank        int     `yaml:"rank"`
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	SlippageBps float64 `yaml:"slippage_bps"`
	FeeBps      float64 `yaml:"fee_bps"`
	Breaker     Breaker `yaml:"breaker"`
}

// Gateway configures retry, backoff and timeouts of the execution gateway
type Gateway struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	Venues        []Venue       `yaml:"venues"`
}

// Coordinator configures cross-asset coordination
type Coordinator struct {
	CorrelationThreshold float64       `yaml:"correlation_threshold"`
	MaxMatrixAge         time.Duration `yaml:"max_matrix_age"`
	RefreshInterval      time.Duration `yaml:"refresh_interval"`
	Window               int           `yaml:"window"`
}

// Feed configures the market/position feed
type Feed struct {
	Kind          string        `yaml:"kind"`
	URL           string        `yaml:"url"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxStaleness  time.Duration `yaml:"max_staleness"`
	History       int           `yaml:"history"`
}

// Persistence configures the hedge state store
type Persistence struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisKey     string        `yaml:"redis_key"`
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Events configures the append-only event log
type Events struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	Stream    string `yaml:"stream"`
}

// Backtest configures the replayer's simulated venue and outputs
type Backtest struct {
	SlippageBps float64 `yaml:"slippage_bps"`
	FeeBps      float64 `yaml:"fee_bps"`
	OutputDir   string  `yaml:"output_dir"`
	Venue       string  `yaml:"venue"`
}

// Config collects every configuration leaf
type Config struct {
	App         App                      `yaml:"app"`
	Monitor     Monitor                  `yaml:"monitor"`
	Risk        Risk                     `yaml:"risk"`
	Thresholds  []domain.ThresholdConfig `yaml:"thresholds"`
	Assets      []Asset                  `yaml:"assets"`
	Gateway     Gateway                  `yaml:"gateway"`
	Coordinator Coordinator              `yaml:"coordinator"`
	Feed        Feed                     `yaml:"feed"`
	Persistence Persistence              `yaml:"persistence"`
	Events      Events                   `yaml:"events"`
	Backtest    Backtest                 `yaml:"backtest"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML file, applies env overrides and defaults, and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "path", Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigurationError{Field: "yaml", Reason: err.Error()}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays environment overrides
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("HEDGERUN_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := getenv("HEDGERUN_REDIS_ADDR"); v != "" {
		c.Persistence.RedisAddr = v
		c.Events.RedisAddr = v
	}
	if v := getenv("HEDGERUN_PG_DSN"); v != "" {
		c.Persistence.DSN = v
	}
	if v := getenv("HEDGERUN_HTTP_ADDR"); v != "" {
		c.App.HTTPAddr = v
	}
}

// ApplyDefaults fills every unset field
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "hedgerun"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = "127.0.0.1:8090"
	}

	m := &c.Monitor
	if m.Interval <= 0 {
		m.Interval = 10 * time.Second
	}
	if m.CycleTimeout <= 0 {
		m.CycleTimeout = 5 * time.Second
	}
	if m.TargetBuffer == 0 {
		m.TargetBuffer = 0.8
	}
	if m.UrgentRatio == 0 {
		m.UrgentRatio = 1.5
	}
	if m.MaxDeferrals == 0 {
		m.MaxDeferrals = 3
	}
	if m.MinOrderQty == 0 {
		m.MinOrderQty = 1e-6
	}
	if m.DefaultCooldown <= 0 {
		m.DefaultCooldown = 300 * time.Second
	}

	r := &c.Risk
	if r.VaRMethod == "" {
		r.VaRMethod = "parametric"
	}
	if r.Confidence == 0 {
		r.Confidence = 0.95
	}
	if r.HorizonDays == 0 {
		r.HorizonDays = 1
	}
	if r.VolSource == "" {
		r.VolSource = "implied"
	}
	if r.MinHistory == 0 {
		r.MinHistory = 10
	}
	if r.EWMALambda == 0 {
		r.EWMALambda = 0.94
	}

	g := &c.Gateway
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.BaseBackoff <= 0 {
		g.BaseBackoff = 200 * time.Millisecond
	}
	if g.MaxBackoff <= 0 {
		g.MaxBackoff = 5 * time.Second
	}
	if g.CallTimeout <= 0 {
		g.CallTimeout = 3 * time.Second
	}
	if g.HealthTimeout <= 0 {
		g.HealthTimeout = time.Second
	}
	for i := range g.Venues {
		v := &g.Venues[i]
		if v.Kind == "" {
			v.Kind = "simulated"
		}
		if v.Rank == 0 {
			v.Rank = i + 1
		}
		if v.RPS == 0 {
			v.RPS = 10
		}
		if v.Burst == 0 {
			v.Burst = 5
		}
		if v.Breaker.MaxRequests == 0 {
			v.Breaker.MaxRequests = 1
		}
		if v.Breaker.Interval <= 0 {
			v.Breaker.Interval = time.Minute
		}
		if v.Breaker.Timeout <= 0 {
			v.Breaker.Timeout = 30 * time.Second
		}
		if v.Breaker.ConsecutiveFailures == 0 {
			v.Breaker.ConsecutiveFailures = 5
		}
	}

	co := &c.Coordinator
	if co.CorrelationThreshold == 0 {
		co.CorrelationThreshold = 0.7
	}
	if co.MaxMatrixAge <= 0 {
		co.MaxMatrixAge = 15 * time.Minute
	}
	if co.RefreshInterval <= 0 {
		co.RefreshInterval = 5 * time.Minute
	}
	if co.Window == 0 {
		co.Window = 60
	}

	f := &c.Feed
	if f.Kind == "" {
		f.Kind = "static"
	}
	if f.ReconnectWait <= 0 {
		f.ReconnectWait = 2 * time.Second
	}
	if f.MaxStaleness <= 0 {
		f.MaxStaleness = time.Minute
	}
	if f.History == 0 {
		f.History = 120
	}

	p := &c.Persistence
	if p.Backend == "" {
		p.Backend = "file"
	}
	if p.Path == "" {
		p.Path = "data/hedge_state.json"
	}
	if p.RedisKey == "" {
		p.RedisKey = "hedgerun:state"
	}
	if p.QueryTimeout <= 0 {
		p.QueryTimeout = 5 * time.Second
	}

	e := &c.Events
	if e.Backend == "" {
		e.Backend = "memory"
	}
	if e.Path == "" {
		e.Path = "data/events.jsonl"
	}
	if e.Stream == "" {
		e.Stream = "hedgerun:events"
	}

	b := &c.Backtest
	if b.SlippageBps == 0 {
		b.SlippageBps = 2
	}
	if b.FeeBps == 0 {
		b.FeeBps = 5
	}
	if b.OutputDir == "" {
		b.OutputDir = "artifacts/backtest"
	}
	if b.Venue == "" {
		b.Venue = "replay"
	}

	for i := range c.Thresholds {
		if c.Thresholds[i].CooldownPeriod <= 0 {
			c.Thresholds[i].CooldownPeriod = m.DefaultCooldown
		}
	}
}

// Validate checks the configuration and returns the first ConfigurationError found
func (c *Config) Validate() error {
	if c.Monitor.TargetBuffer <= 0 || c.Monitor.TargetBuffer >= 1 {
		return confErr("monitor.target_buffer", "must be in (0, 1)")
	}
	if c.Monitor.UrgentRatio < 1 {
		return confErr("monitor.urgent_ratio", "must be >= 1")
	}
	if c.Monitor.MaxDeferrals < 0 {
		return confErr("monitor.max_deferrals", "must be >= 0")
	}

	switch c.Risk.VaRMethod {
	case "parametric", "historical":
	default:
		return confErr("risk.var_method", fmt.Sprintf("unknown method %q", c.Risk.VaRMethod))
	}
	if c.Risk.Confidence <= 0.5 || c.Risk.Confidence >= 1 {
		return confErr("risk.confidence", "must be in (0.5, 1)")
	}
	if c.Risk.HorizonDays <= 0 {
		return confErr("risk.horizon_days", "must be positive")
	}
	switch c.Risk.VolSource {
	case "implied", "forecast":
	default:
		return confErr("risk.vol_source", fmt.Sprintf("unknown source %q", c.Risk.VolSource))
	}
	if c.Risk.EWMALambda <= 0 || c.Risk.EWMALambda >= 1 {
		return confErr("risk.ewma_lambda", "must be in (0, 1)")
	}

	if err := ValidateThresholds(c.Thresholds); err != nil {
		return err
	}

	venues := make(map[string]struct{}, len(c.Gateway.Venues))
	for i, v := range c.Gateway.Venues {
		field := fmt.Sprintf("gateway.venues[%d]", i)
		if v.Name == "" {
			return confErr(field+".name", "required")
		}
		if _, dup := venues[v.Name]; dup {
			return confErr(field+".name", fmt.Sprintf("duplicate venue %q", v.Name))
		}
		venues[v.Name] = struct{}{}
		if v.Kind != "simulated" {
			return confErr(field+".kind", fmt.Sprintf("unsupported venue kind %q", v.Kind))
		}
		if v.RPS < 0 || v.Burst < 0 || v.SlippageBps < 0 || v.FeeBps < 0 {
			return confErr(field, "rates, slippage and fees must be non-negative")
		}
	}
	if c.Gateway.MaxRetries < 0 {
		return confErr("gateway.max_retries", "must be >= 0")
	}

	assets := make(map[string]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		field := fmt.Sprintf("assets[%d]", i)
		if strings.TrimSpace(a.Asset) == "" {
			return confErr(field+".asset", "required")
		}
		if _, dup := assets[a.Asset]; dup {
			return confErr(field+".asset", fmt.Sprintf("duplicate asset %q", a.Asset))
		}
		assets[a.Asset] = struct{}{}
		switch a.Strategy {
		case "", "perpetual", "protective_put", "covered_call":
		default:
			return confErr(field+".strategy", fmt.Sprintf("unknown strategy %q", a.Strategy))
		}
		if a.Beta < 0 || math.IsNaN(a.Beta) || math.IsInf(a.Beta, 0) {
			return confErr(field+".beta", "must be a non-negative number")
		}
		if a.MaxOptionExpiry < 0 {
			return confErr(field+".max_option_expiry", "must not be negative")
		}
		for _, venue := range a.Venues {
			if _, ok := venues[venue]; !ok {
				return confErr(field+".venues", fmt.Sprintf("unknown venue %q", venue))
			}
		}
	}

	if c.Coordinator.CorrelationThreshold <= 0 || c.Coordinator.CorrelationThreshold > 1 {
		return confErr("coordinator.correlation_threshold", "must be in (0, 1]")
	}
	if c.Coordinator.Window < 3 {
		return confErr("coordinator.window", "must be >= 3")
	}

	switch c.Feed.Kind {
	case "static", "websocket":
	default:
		return confErr("feed.kind", fmt.Sprintf("unknown feed %q", c.Feed.Kind))
	}
	if c.Feed.Kind == "websocket" && c.Feed.URL == "" {
		return confErr("feed.url", "required for websocket feed")
	}

	switch c.Persistence.Backend {
	case "file", "redis", "postgres", "none":
	default:
		return confErr("persistence.backend", fmt.Sprintf("unknown backend %q", c.Persistence.Backend))
	}
	if c.Persistence.Backend == "redis" && c.Persistence.RedisAddr == "" {
		return confErr("persistence.redis_addr", "required for redis backend")
	}
	if c.Persistence.Backend == "postgres" && c.Persistence.DSN == "" {
		return confErr("persistence.dsn", "required for postgres backend")
	}

	switch c.Events.Backend {
	case "memory", "file", "redis":
	default:
		return confErr("events.backend", fmt.Sprintf("unknown backend %q", c.Events.Backend))
	}
	if c.Events.Backend == "redis" && c.Events.RedisAddr == "" {
		return confErr("events.redis_addr", "required for redis backend")
	}

	if c.Backtest.SlippageBps < 0 || c.Backtest.FeeBps < 0 {
		return confErr("backtest", "slippage and fees must be non-negative")
	}
	return nil
}

// ValidateThresholds checks a threshold set; used at startup and on runtime replacement
func ValidateThresholds(thresholds []domain.ThresholdConfig) error {
	seen := make(map[string]struct{}, len(thresholds))
	for i, t := range thresholds {
		field := fmt.Sprintf("thresholds[%d]", i)
		if strings.TrimSpace(t.Asset) == "" {
			return confErr(field+".asset", "required")
		}
		if _, ok := domain.ParseMetric(string(t.Metric)); !ok {
			return confErr(field+".metric", fmt.Sprintf("unknown metric %q", t.Metric))
		}
		if !(t.MaxAbsValue > 0) || math.IsInf(t.MaxAbsValue, 0) {
			return confErr(field+".max_abs_value", "must be a positive finite number")
		}
		if t.CooldownPeriod < 0 {
			return confErr(field+".cooldown", "must be >= 0")
		}
		key := t.Asset + "|" + string(t.Metric)
		if _, dup := seen[key]; dup {
			return confErr(field, fmt.Sprintf("duplicate threshold for %s %s", t.Asset, t.Metric))
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ThresholdsFor returns the thresholds configured for asset, in metric order
func (c *Config) ThresholdsFor(asset string) []domain.ThresholdConfig {
	var out []domain.ThresholdConfig
	for _, t := range c.Thresholds {
		if t.Asset == asset {
			out = append(out, t)
		}
	}
	SortThresholds(out)
	return out
}

// AssetConfig returns the asset section for asset, falling back to a bare entry
func (c *Config) AssetConfig(asset string) Asset {
	for _, a := range c.Assets {
		if a.Asset == asset {
			return a
		}
	}
	return Asset{Asset: asset}
}

// SortThresholds orders thresholds by asset, then metric evaluation order
func SortThresholds(ts []domain.ThresholdConfig) {
	rank := make(map[domain.Metric]int, len(domain.Metrics))
	for i, m := range domain.Metrics {
		rank[m] = i
	}
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Asset != ts[j].Asset {
			return ts[i].Asset < ts[j].Asset
		}
		return rank[ts[i].Metric] < rank[ts[j].Metric]
	})
}

// Save persists a Config as YAML
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func confErr(field, reason string) error {
	return &domain.ConfigurationError{Field: field, Reason: reason}
}
