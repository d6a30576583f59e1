package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tweetsched/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{"storage": true, "http": true, "provider": true, "scheduler": true}

// NeedsRestart reports whether section can not be applied live.
func NeedsRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the changed section names (sorted) and
// structured attrs safe for logging. Tokens are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	trim := strings.TrimSpace

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if trim(oldCfg.Storage.Driver) != trim(newCfg.Storage.Driver) ||
		trim(oldCfg.Storage.Path) != trim(newCfg.Storage.Path) ||
		trim(oldCfg.Storage.BusyTimeout) != trim(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", trim(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.restart_delay", trim(newCfg.Scheduler.RestartDelay)),
			logx.Bool("scheduler.reconcile_stuck_posting", newCfg.Scheduler.ReconcileStuckPosting),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		r := derefRetry(newCfg.Retry)
		attrs = append(attrs,
			logx.Bool("retry.present", newCfg.Retry != nil),
			logx.String("retry.base_delay", trim(r.BaseDelay)),
			logx.String("retry.max_delay", trim(r.MaxDelay)),
			logx.Float64("retry.exponential_base", r.ExponentialBase),
			logx.Strings("retry.retryable_errors", r.RetryableErrors),
		)
		if r.MaxRetries != nil {
			attrs = append(attrs, logx.Int("retry.max_retries", *r.MaxRetries))
		}
		if r.EnableAutoRetry != nil {
			attrs = append(attrs, logx.Bool("retry.enable_auto_retry", *r.EnableAutoRetry))
		}
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.timezone", trim(newCfg.Maintenance.Timezone)),
			logx.String("maintenance.purge_after", trim(newCfg.Maintenance.PurgeAfter)),
			logx.String("maintenance.purge_schedule", trim(newCfg.Maintenance.PurgeSchedule)),
			logx.String("maintenance.audit_schedule", trim(newCfg.Maintenance.AuditSchedule)),
		)
	}

	if oldCfg.Provider != newCfg.Provider {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.base_url", trim(newCfg.Provider.BaseURL)),
			logx.Bool("provider.bearer_token_set", trim(newCfg.Provider.BearerToken) != ""),
			logx.String("provider.timeout", trim(newCfg.Provider.Timeout)),
			logx.Int("provider.requests_per_minute", newCfg.Provider.RequestsPerMinute),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || trim(oh.Addr) != trim(nh.Addr) || oh.Token != nh.Token ||
		!reflect.DeepEqual(oh.Metrics, nh.Metrics) ||
		trim(oh.ReadTimeout) != trim(nh.ReadTimeout) || trim(oh.WriteTimeout) != trim(nh.WriteTimeout) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", trim(nh.Addr)),
			logx.Bool("http.token_set", trim(nh.Token) != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", trim(nTE.DefaultTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefRetry(r *RetryConfig) RetryConfig {
	if r == nil {
		return RetryConfig{}
	}
	return *r
}
