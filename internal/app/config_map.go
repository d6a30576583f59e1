package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tweetsched/internal/config"
	"tweetsched/internal/httpapi"
	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/provider"
	"tweetsched/internal/scheduler"
	"tweetsched/internal/storage"
	"tweetsched/internal/task/engine"
	"tweetsched/internal/task/periodic"
	logx "tweetsched/pkg/logx"
)

const (
	defaultPurgeAfter    = 7 * 24 * time.Hour
	defaultPurgeSchedule = "@daily"
	defaultAuditSchedule = "15m"
)

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	if !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	switch strings.ToLower(strings.TrimSpace(lc.Format)) {
	case "", "console", "json":
	default:
		return logx.Config{}, fmt.Errorf("logging.format: want console or json, got %q", lc.Format)
	}
	return logx.Config{
		Level:  lc.Level,
		Format: lc.Format,
		File:   logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "file":
		if path == "" {
			path = "./tweetsched_data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	out := scheduler.DefaultConfig()
	d, err := config.ParseDurationOrDefault("scheduler.restart_delay", cfg.Scheduler.RestartDelay, out.RestartDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	out.RestartDelay = d
	out.ReconcileStuckPosting = cfg.Scheduler.ReconcileStuckPosting
	return out, nil
}

// mapRetryConfig fills omitted fields from the ledger defaults.
func mapRetryConfig(cfg *config.Config) (ledger.RetryConfig, error) {
	out := ledger.DefaultRetryConfig()
	rc := cfg.Retry
	if rc == nil {
		return out, nil
	}
	if rc.MaxRetries != nil {
		out.MaxRetries = *rc.MaxRetries
	}
	var err error
	if out.BaseDelay, err = config.ParseDurationOrDefault("retry.base_delay", rc.BaseDelay, out.BaseDelay); err != nil {
		return ledger.RetryConfig{}, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("retry.max_delay", rc.MaxDelay, out.MaxDelay); err != nil {
		return ledger.RetryConfig{}, err
	}
	if rc.ExponentialBase != 0 {
		out.ExponentialBase = rc.ExponentialBase
	}
	if rc.EnableAutoRetry != nil {
		out.EnableAutoRetry = *rc.EnableAutoRetry
	}
	if rc.RetryableErrors != nil {
		out.RetryableErrors = make([]post.ErrorType, 0, len(rc.RetryableErrors))
		for _, t := range rc.RetryableErrors {
			out.RetryableErrors = append(out.RetryableErrors, post.ErrorType(strings.TrimSpace(t)))
		}
	}
	if err := out.Validate(); err != nil {
		return ledger.RetryConfig{}, fmt.Errorf("retry: %w", err)
	}
	return out, nil
}

func retryPatch(c ledger.RetryConfig) ledger.RetryPatch {
	return ledger.RetryPatch{
		MaxRetries:      &c.MaxRetries,
		BaseDelay:       &c.BaseDelay,
		MaxDelay:        &c.MaxDelay,
		ExponentialBase: &c.ExponentialBase,
		EnableAutoRetry: &c.EnableAutoRetry,
		RetryableErrors: c.RetryableErrors,
	}
}

type maintenanceConfig struct {
	periodic      periodic.Config
	purgeAfter    time.Duration
	purgeSchedule string
	auditSchedule string
}

func mapMaintenanceConfig(cfg *config.Config) (maintenanceConfig, error) {
	mc := cfg.Maintenance
	out := maintenanceConfig{
		periodic:      periodic.Config{Enabled: mc.Enabled, Timezone: strings.TrimSpace(mc.Timezone)},
		purgeSchedule: strings.TrimSpace(mc.PurgeSchedule),
		auditSchedule: strings.TrimSpace(mc.AuditSchedule),
	}
	if out.periodic.Timezone != "" {
		if _, err := time.LoadLocation(out.periodic.Timezone); err != nil {
			return maintenanceConfig{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", out.periodic.Timezone, err)
		}
	}
	var err error
	if out.purgeAfter, err = config.ParseDurationOrDefault("maintenance.purge_after", mc.PurgeAfter, defaultPurgeAfter); err != nil {
		return maintenanceConfig{}, err
	}
	if out.purgeSchedule == "" {
		out.purgeSchedule = defaultPurgeSchedule
	}
	if out.auditSchedule == "" {
		out.auditSchedule = defaultAuditSchedule
	}
	if _, err := periodic.ParseSchedule(out.purgeSchedule); err != nil {
		return maintenanceConfig{}, fmt.Errorf("maintenance.purge_schedule: %w", err)
	}
	if _, err := periodic.ParseSchedule(out.auditSchedule); err != nil {
		return maintenanceConfig{}, fmt.Errorf("maintenance.audit_schedule: %w", err)
	}
	return out, nil
}

func mapProviderConfig(cfg *config.Config) (provider.Config, error) {
	pc := cfg.Provider
	timeout, err := config.ParseDurationOrDefault("provider.timeout", pc.Timeout, 30*time.Second)
	if err != nil {
		return provider.Config{}, err
	}
	if pc.RequestsPerMinute < 0 {
		return provider.Config{}, fmt.Errorf("provider.requests_per_minute must be >= 0")
	}
	return provider.Config{
		BaseURL:           strings.TrimSpace(pc.BaseURL),
		UploadURL:         strings.TrimSpace(pc.UploadURL),
		BearerToken:       strings.TrimSpace(pc.BearerToken),
		CreateQueryID:     strings.TrimSpace(pc.CreateQueryID),
		UserAgent:         strings.TrimSpace(pc.UserAgent),
		Timeout:           timeout,
		RequestsPerMinute: pc.RequestsPerMinute,
	}, nil
}

// mapHTTPConfig returns the server config and whether the server is enabled.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	out := httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        strings.TrimSpace(hc.Token),
		Metrics:      hc.Metrics == nil || *hc.Metrics,
		ReadTimeout:  read,
		WriteTimeout: write,
	}
	return out, hc.Enabled, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{QueueSize: te.QueueSize, DefaultTimeout: timeout, HistorySize: te.HistorySize}, nil
}

// validateConfig runs every mapper so a bad reload is rejected before any
// component sees it.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProviderConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapTaskEngineConfig(cfg)
	return err
}
