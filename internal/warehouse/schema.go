package warehouse

import (
	"strings"

	"github.com/opsdeck/feature-governor/internal/usage"
)

// resourceCols is the per-resource column list shared by the hourly, daily
// and monthly usage tables. Column names are the resource tags themselves.
var resourceCols = func() []string {
	cols := make([]string, len(usage.All))
	for i, r := range usage.All {
		cols[i] = string(r)
	}
	return cols
}()

func resourceColsDDL() string {
	var b strings.Builder
	for _, c := range resourceCols {
		b.WriteString(c)
		b.WriteString(" INTEGER NOT NULL DEFAULT 0,\n")
	}
	return b.String()
}

var schema = `
CREATE TABLE IF NOT EXISTS telemetry_facts (
	id TEXT PRIMARY KEY,
	feature_key TEXT NOT NULL,
	project TEXT NOT NULL,
	category TEXT NOT NULL,
	feature TEXT NOT NULL,
	metrics_json TEXT NOT NULL,
	cost_usd REAL NOT NULL DEFAULT 0,
	external_cost_usd REAL NOT NULL DEFAULT 0,
	timestamp_ms INTEGER NOT NULL,
	correlation_id TEXT,
	trace_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_facts_feature_ts
	ON telemetry_facts(feature_key, timestamp_ms);

CREATE TABLE IF NOT EXISTS hourly_usage_snapshots (
	time_bucket TEXT NOT NULL,
	project TEXT NOT NULL,
	` + resourceColsDDL() + `
	storage_bytes INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	sampling_mode INTEGER NOT NULL DEFAULT 1,
	collection_timestamp INTEGER NOT NULL,
	PRIMARY KEY (time_bucket, project)
);

CREATE TABLE IF NOT EXISTS resource_usage_snapshots (
	time_bucket TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	project TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 1.0,
	allocation_basis TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (time_bucket, resource_type, resource_id)
);

CREATE TABLE IF NOT EXISTS daily_usage_rollups (
	date TEXT NOT NULL,
	project TEXT NOT NULL,
	` + resourceColsDDL() + `
	storage_bytes INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	rollup_version INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (date, project)
);

CREATE TABLE IF NOT EXISTS monthly_usage_rollups (
	month TEXT NOT NULL,
	project TEXT NOT NULL,
	` + resourceColsDDL() + `
	storage_bytes INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	rollup_version INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (month, project)
);

CREATE TABLE IF NOT EXISTS feature_circuit_breaker_events (
	id TEXT PRIMARY KEY,
	feature_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	violated_resource TEXT NOT NULL DEFAULT '',
	current_value REAL NOT NULL DEFAULT 0,
	budget_limit REAL NOT NULL DEFAULT 0,
	auto_reset INTEGER NOT NULL DEFAULT 0,
	alert_sent INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cb_events_feature
	ON feature_circuit_breaker_events(feature_key, created_at);

CREATE TABLE IF NOT EXISTS feature_error_events (
	id TEXT PRIMARY KEY,
	feature_key TEXT NOT NULL,
	category TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'P2',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_events_created
	ON feature_error_events(created_at);

CREATE TABLE IF NOT EXISTS error_budget_windows (
	feature_key TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	window_end INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	validation_errors INTEGER NOT NULL DEFAULT 0,
	network_errors INTEGER NOT NULL DEFAULT 0,
	internal_errors INTEGER NOT NULL DEFAULT 0,
	timeout_errors INTEGER NOT NULL DEFAULT 0,
	other_errors INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (feature_key, window_start)
);

CREATE TABLE IF NOT EXISTS anomalies (
	id TEXT PRIMARY KEY,
	detected_at INTEGER NOT NULL,
	metric_name TEXT NOT NULL,
	project TEXT NOT NULL,
	current_value REAL NOT NULL,
	rolling_avg REAL NOT NULL,
	rolling_stddev REAL NOT NULL,
	deviation_factor REAL NOT NULL,
	alert_sent INTEGER NOT NULL DEFAULT 0,
	resolved INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_anomalies_metric
	ON anomalies(metric_name, project, resolved);

CREATE TABLE IF NOT EXISTS feature_registry (
	feature_key TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	category TEXT NOT NULL,
	feature TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	circuit_breaker_enabled INTEGER NOT NULL DEFAULT 1,
	daily_limits_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS usage_settings (
	project TEXT NOT NULL,
	setting_key TEXT NOT NULL,
	setting_value TEXT NOT NULL,
	PRIMARY KEY (project, setting_key)
);

CREATE TABLE IF NOT EXISTS feature_health (
	feature_key TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_seen_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS model_usage_daily (
	date TEXT NOT NULL,
	feature_key TEXT NOT NULL,
	model TEXT NOT NULL,
	invocations INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, feature_key, model)
);
`
