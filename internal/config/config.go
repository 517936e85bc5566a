package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Warehouse struct {
	Path string `yaml:"path"`
}

type Queue struct {
	Name          string `yaml:"name"`
	Deadletter    string `yaml:"deadletter"`
	BatchSize     int    `yaml:"batch_size"`
	MaxRetries    int    `yaml:"max_retries"`
	PollTimeoutMs int    `yaml:"poll_timeout_ms"`
}

type Budget struct {
	HardLimitMultiplier float64 `yaml:"hard_limit_multiplier"`
	AutoResetSeconds    int     `yaml:"auto_reset_seconds"`
	CostWindowHours     int     `yaml:"cost_window_hours"`
	DefaultDailyUSD     float64 `yaml:"default_daily_usd"`
	DefaultBCUBudget    float64 `yaml:"default_bcu_budget"`
}

type PID struct {
	Kp               float64 `yaml:"kp"`
	Ki               float64 `yaml:"ki"`
	Kd               float64 `yaml:"kd"`
	Setpoint         float64 `yaml:"setpoint"`
	IntegralMin      float64 `yaml:"integral_min"`
	IntegralMax      float64 `yaml:"integral_max"`
	UpdateIntervalMs int64   `yaml:"update_interval_ms"`
	Mode             string  `yaml:"mode"` // shadow | active
}

type ErrorSampling struct {
	TriggerThreshold float64 `yaml:"trigger_threshold"`
	SampleRate       float64 `yaml:"sample_rate"`
}

type Alerts struct {
	WebhookURL          string  `yaml:"webhook_url"`
	P0ErrorRate         float64 `yaml:"p0_error_rate"`
	WindowMinutes       int     `yaml:"window_minutes"`
	MinRequests         int     `yaml:"min_requests"`
	PerMinute           int     `yaml:"per_minute"`
	DedupeWindowMinutes int     `yaml:"dedupe_window_minutes"`
	TimeoutMs           int     `yaml:"timeout_ms"`
}

type Collector struct {
	BaseURL        string  `yaml:"base_url"`
	APIToken       string  `yaml:"api_token"`
	AccountID      string  `yaml:"account_id"`
	D1WriteLimit   int64   `yaml:"d1_write_limit"`
	TimeoutMs      int     `yaml:"timeout_ms"`
	MaxRetries     int     `yaml:"max_retries"`
	BackoffBaseMs  int     `yaml:"backoff_base_ms"`
	WatchdogURL    string  `yaml:"watchdog_url"`
	GapFillDays    int     `yaml:"gap_fill_days"`
	ErrorRetention int     `yaml:"error_retention_days"`
	MonthlyBaseUSD float64 `yaml:"monthly_base_usd"`
}

type Query struct {
	ListenAddr      string `yaml:"listen_addr"`
	AERetentionDays int    `yaml:"ae_retention_days"`
}

type Root struct {
	Redis         Redis         `yaml:"redis"`
	Warehouse     Warehouse     `yaml:"warehouse"`
	Queue         Queue         `yaml:"queue"`
	Budget        Budget        `yaml:"budget"`
	PID           PID           `yaml:"pid"`
	ErrorSampling ErrorSampling `yaml:"error_sampling"`
	Alerts        Alerts        `yaml:"alerts"`
	Collector     Collector     `yaml:"collector"`
	Query         Query         `yaml:"query"`
	MetricsAddr   string        `yaml:"metrics_addr"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return withDefaults(c), nil
}

// withDefaults fills zero values in code rather than in the YAML, so a
// minimal config file still yields a runnable system.
func withDefaults(c Root) Root {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Warehouse.Path == "" {
		c.Warehouse.Path = "data/warehouse.db"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "telemetry"
	}
	if c.Queue.Deadletter == "" {
		c.Queue.Deadletter = c.Queue.Name + ":deadletter"
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 100
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.PollTimeoutMs == 0 {
		c.Queue.PollTimeoutMs = 2000
	}
	if c.Budget.HardLimitMultiplier == 0 {
		c.Budget.HardLimitMultiplier = 1.5
	}
	if c.Budget.AutoResetSeconds == 0 {
		c.Budget.AutoResetSeconds = 3600
	}
	if c.Budget.CostWindowHours == 0 {
		c.Budget.CostWindowHours = 24
	}
	if c.Budget.DefaultDailyUSD == 0 {
		c.Budget.DefaultDailyUSD = 10.0
	}
	if c.Budget.DefaultBCUBudget == 0 {
		c.Budget.DefaultBCUBudget = 1000.0
	}
	if c.PID.Kp == 0 {
		c.PID.Kp = 0.5
	}
	if c.PID.Ki == 0 {
		c.PID.Ki = 0.1
	}
	if c.PID.Kd == 0 {
		c.PID.Kd = 0.05
	}
	if c.PID.Setpoint == 0 {
		c.PID.Setpoint = 1.0
	}
	if c.PID.IntegralMin == 0 {
		c.PID.IntegralMin = -10.0
	}
	if c.PID.IntegralMax == 0 {
		c.PID.IntegralMax = 10.0
	}
	if c.PID.UpdateIntervalMs == 0 {
		c.PID.UpdateIntervalMs = 60_000
	}
	if c.PID.Mode == "" {
		c.PID.Mode = "shadow"
	}
	if c.ErrorSampling.TriggerThreshold == 0 {
		c.ErrorSampling.TriggerThreshold = 0.10
	}
	if c.ErrorSampling.SampleRate == 0 {
		c.ErrorSampling.SampleRate = 0.10
	}
	if c.Alerts.P0ErrorRate == 0 {
		c.Alerts.P0ErrorRate = 0.50
	}
	if c.Alerts.WindowMinutes == 0 {
		c.Alerts.WindowMinutes = 5
	}
	if c.Alerts.MinRequests == 0 {
		c.Alerts.MinRequests = 20
	}
	if c.Alerts.PerMinute == 0 {
		c.Alerts.PerMinute = 10
	}
	if c.Alerts.DedupeWindowMinutes == 0 {
		c.Alerts.DedupeWindowMinutes = 60
	}
	if c.Alerts.TimeoutMs == 0 {
		c.Alerts.TimeoutMs = 5000
	}
	if c.Collector.D1WriteLimit == 0 {
		c.Collector.D1WriteLimit = 100_000
	}
	if c.Collector.TimeoutMs == 0 {
		c.Collector.TimeoutMs = 30_000
	}
	if c.Collector.MaxRetries == 0 {
		c.Collector.MaxRetries = 3
	}
	if c.Collector.BackoffBaseMs == 0 {
		c.Collector.BackoffBaseMs = 2000
	}
	if c.Collector.GapFillDays == 0 {
		c.Collector.GapFillDays = 7
	}
	if c.Collector.ErrorRetention == 0 {
		c.Collector.ErrorRetention = 7
	}
	if c.Collector.MonthlyBaseUSD == 0 {
		c.Collector.MonthlyBaseUSD = 5.0
	}
	if c.Query.ListenAddr == "" {
		c.Query.ListenAddr = ":8080"
	}
	if c.Query.AERetentionDays == 0 {
		c.Query.AERetentionDays = 3
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	return c
}
