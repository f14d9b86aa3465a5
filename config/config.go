package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Feedmesh   FeedmeshConfig   `yaml:"feedmesh"`
	Manager    ManagerConfig    `yaml:"manager"`
	Store      StoreConfig      `yaml:"store"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Balancer   BalancerConfig   `yaml:"balancer"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Feeds      []FeedConfig     `yaml:"feeds"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// FeedConfig declares one websocket feed the binary registers at startup.
type FeedConfig struct {
	ID                string  `yaml:"id"`
	Address           string  `yaml:"address"`
	Type              string  `yaml:"type"`
	MaxReconnects     int     `yaml:"max_reconnects"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type FeedmeshConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ManagerConfig is the single structured configuration surface recognized by
// the integration manager. Interval options are expressed in seconds.
type ManagerConfig struct {
	MaxConnections       int    `yaml:"max_connections"`
	HealthCheckIntervalS int    `yaml:"health_check_interval_s"`
	AnalyticsIntervalS   int    `yaml:"analytics_interval_s"`
	AlertCheckIntervalS  int    `yaml:"alert_check_interval_s"`
	CleanupIntervalS     int    `yaml:"cleanup_interval_s"`
	OperationTimeoutS    int    `yaml:"operation_timeout_s"`
	EnableAnalytics      bool   `yaml:"enable_analytics"`
	EnableAlerts         bool   `yaml:"enable_alerts"`
	EnableLoadBalancing  bool   `yaml:"enable_load_balancing"`
	ClusterNodeID        string `yaml:"cluster_node_id"`
}

func (m ManagerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(m.HealthCheckIntervalS) * time.Second
}

func (m ManagerConfig) AnalyticsInterval() time.Duration {
	return time.Duration(m.AnalyticsIntervalS) * time.Second
}

func (m ManagerConfig) AlertCheckInterval() time.Duration {
	return time.Duration(m.AlertCheckIntervalS) * time.Second
}

func (m ManagerConfig) CleanupInterval() time.Duration {
	return time.Duration(m.CleanupIntervalS) * time.Second
}

func (m ManagerConfig) OperationTimeout() time.Duration {
	return time.Duration(m.OperationTimeoutS) * time.Second
}

type StoreConfig struct {
	StaleAfterS    int `yaml:"stale_after_s"`
	MetricsHistory int `yaml:"metrics_history"`
}

func (s StoreConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterS) * time.Second
}

type AnalyticsConfig struct {
	WindowS       int     `yaml:"window_s"`
	AnomalySigma  float64 `yaml:"anomaly_sigma"`
	MinSamples    int     `yaml:"min_samples"`
	ErrorWeight   float64 `yaml:"error_weight"`
	LatencyWeight float64 `yaml:"latency_weight"`
	UptimeWeight  float64 `yaml:"uptime_weight"`
}

func (a AnalyticsConfig) Window() time.Duration {
	return time.Duration(a.WindowS) * time.Second
}

type BalancerConfig struct {
	DefaultStrategy  string         `yaml:"default_strategy"`
	DegradeThreshold int            `yaml:"degrade_threshold"`
	AdaptiveWindowS  int            `yaml:"adaptive_window_s"`
	Weights          map[string]int `yaml:"weights"`
}

func (b BalancerConfig) AdaptiveWindow() time.Duration {
	return time.Duration(b.AdaptiveWindowS) * time.Second
}

type AlertsConfig struct {
	ResolveCycles int             `yaml:"resolve_cycles"`
	Rules         []RuleConfig    `yaml:"rules"`
	Channels      []ChannelConfig `yaml:"channels"`
}

// RuleConfig declares one alert rule: a predicate kind plus thresholds,
// a severity and the channels the rule notifies.
type RuleConfig struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"`
	Severity       string   `yaml:"severity"`
	ConnectionType string   `yaml:"connection_type"`
	Threshold      float64  `yaml:"threshold"`
	WindowS        int      `yaml:"window_s"`
	Channels       []string `yaml:"channels"`
}

type ChannelConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	TimeoutS int    `yaml:"timeout_s"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type DashboardConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Address          string `yaml:"address"`
	RefreshIntervalS int    `yaml:"refresh_interval_s"`
	LogHistory       int    `yaml:"log_history"`
	MetricsHistory   int    `yaml:"metrics_history"`
}

func (d DashboardConfig) RefreshInterval() time.Duration {
	return time.Duration(d.RefreshIntervalS) * time.Second
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// Default returns a configuration populated with the documented defaults.
// Callers embedding feedmesh as a library typically start from Default and
// override what they need.
func Default() *Config {
	return &Config{
		Feedmesh: FeedmeshConfig{Name: "feedmesh", Version: "dev"},
		Manager: ManagerConfig{
			MaxConnections:       100,
			HealthCheckIntervalS: 10,
			AnalyticsIntervalS:   60,
			AlertCheckIntervalS:  30,
			CleanupIntervalS:     60,
			OperationTimeoutS:    10,
			EnableAnalytics:      true,
			EnableAlerts:         true,
			EnableLoadBalancing:  true,
		},
		Store: StoreConfig{
			StaleAfterS:    300,
			MetricsHistory: 1000,
		},
		Analytics: AnalyticsConfig{
			WindowS:       60,
			AnomalySigma:  3,
			MinSamples:    10,
			ErrorWeight:   1.0 / 3.0,
			LatencyWeight: 1.0 / 3.0,
			UptimeWeight:  1.0 / 3.0,
		},
		Balancer: BalancerConfig{
			DefaultStrategy:  "round_robin",
			DegradeThreshold: 3,
			AdaptiveWindowS:  60,
		},
		Alerts: AlertsConfig{
			ResolveCycles: 2,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override cluster and AWS settings from environment variables if available
	if v := os.Getenv("CLUSTER_NODE_ID"); v != "" {
		config.Manager.ClusterNodeID = strings.TrimSpace(v)
	}
	if config.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate surfaces configuration errors at construction time, before any
// background task starts.
func Validate(cfg *Config) error {
	if cfg.Feedmesh.Name == "" {
		return fmt.Errorf("feedmesh.name is required")
	}

	if cfg.Manager.MaxConnections <= 0 {
		return fmt.Errorf("manager.max_connections must be greater than 0")
	}
	if cfg.Manager.HealthCheckIntervalS <= 0 {
		return fmt.Errorf("manager.health_check_interval_s must be greater than 0")
	}
	if cfg.Manager.AnalyticsIntervalS <= 0 {
		return fmt.Errorf("manager.analytics_interval_s must be greater than 0")
	}
	if cfg.Manager.AlertCheckIntervalS <= 0 {
		return fmt.Errorf("manager.alert_check_interval_s must be greater than 0")
	}
	if cfg.Manager.CleanupIntervalS <= 0 {
		return fmt.Errorf("manager.cleanup_interval_s must be greater than 0")
	}
	if cfg.Manager.OperationTimeoutS <= 0 {
		return fmt.Errorf("manager.operation_timeout_s must be greater than 0")
	}

	if cfg.Store.MetricsHistory <= 0 {
		return fmt.Errorf("store.metrics_history must be greater than 0")
	}
	if cfg.Store.StaleAfterS <= 0 {
		return fmt.Errorf("store.stale_after_s must be greater than 0")
	}

	if cfg.Analytics.AnomalySigma <= 0 {
		return fmt.Errorf("analytics.anomaly_sigma must be greater than 0")
	}
	if cfg.Analytics.MinSamples <= 0 {
		return fmt.Errorf("analytics.min_samples must be greater than 0")
	}
	totalWeight := cfg.Analytics.ErrorWeight + cfg.Analytics.LatencyWeight + cfg.Analytics.UptimeWeight
	if totalWeight <= 0 {
		return fmt.Errorf("analytics health score weights must sum to a positive value")
	}

	if cfg.Balancer.DegradeThreshold <= 0 {
		return fmt.Errorf("balancer.degrade_threshold must be greater than 0")
	}

	if cfg.Alerts.ResolveCycles <= 0 {
		return fmt.Errorf("alerts.resolve_cycles must be greater than 0")
	}

	channelNames := make(map[string]struct{}, len(cfg.Alerts.Channels))
	for _, ch := range cfg.Alerts.Channels {
		if ch.Name == "" {
			return fmt.Errorf("alerts.channels entries require a name")
		}
		if _, dup := channelNames[ch.Name]; dup {
			return fmt.Errorf("duplicate alert channel name '%s'", ch.Name)
		}
		channelNames[ch.Name] = struct{}{}
		switch ch.Type {
		case "log", "console":
		case "webhook", "chat_webhook":
			if ch.URL == "" {
				return fmt.Errorf("alert channel '%s' of type %s requires a url", ch.Name, ch.Type)
			}
		default:
			return fmt.Errorf("alert channel '%s' has unknown type '%s'", ch.Name, ch.Type)
		}
	}

	feedIDs := make(map[string]struct{}, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		if feed.ID == "" {
			return fmt.Errorf("feeds entries require an id")
		}
		if _, dup := feedIDs[feed.ID]; dup {
			return fmt.Errorf("duplicate feed id '%s'", feed.ID)
		}
		feedIDs[feed.ID] = struct{}{}
		if feed.Address == "" {
			return fmt.Errorf("feed '%s' requires an address", feed.ID)
		}
	}

	ruleIDs := make(map[string]struct{}, len(cfg.Alerts.Rules))
	for _, rule := range cfg.Alerts.Rules {
		if rule.ID == "" {
			return fmt.Errorf("alerts.rules entries require an id")
		}
		if _, dup := ruleIDs[rule.ID]; dup {
			return fmt.Errorf("duplicate alert rule id '%s'", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
		for _, name := range rule.Channels {
			if _, ok := channelNames[name]; !ok {
				return fmt.Errorf("alert rule '%s' references unknown channel '%s'", rule.ID, name)
			}
		}
	}

	return nil
}
