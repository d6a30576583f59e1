package config

// Config is the daemon configuration file. Posting cadence is not here: it is
// runtime state owned by the scheduler and changed through the API or CLI.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Retry seeds the error ledger's retry policy. Omitted fields keep the
	// built-in defaults.
	Retry *RetryConfig `json:"retry,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
	Provider    ProviderConfig    `json:"provider"`
	HTTP        HTTPConfig        `json:"http"`

	// TaskEngine controls the serial submission executor.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tweetsched.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SchedulerConfig struct {
	// RestartDelay is how long after start a recorded running loop is
	// restarted. Go duration string, default "2s".
	RestartDelay string `json:"restart_delay,omitempty"`

	// ReconcileStuckPosting marks items left in "posting" by a crash as
	// failed on start. When false they are only reported.
	ReconcileStuckPosting bool `json:"reconcile_stuck_posting,omitempty"`
}

// RetryConfig mirrors the ledger retry policy. Pointers distinguish an
// explicit zero from an omitted field.
//
// Defaults: max_retries 3, base_delay "1s", max_delay "5m",
// exponential_base 2, enable_auto_retry true,
// retryable_errors [network, server, rate_limit].
type RetryConfig struct {
	MaxRetries      *int     `json:"max_retries,omitempty"`
	BaseDelay       string   `json:"base_delay,omitempty"`
	MaxDelay        string   `json:"max_delay,omitempty"`
	ExponentialBase float64  `json:"exponential_base,omitempty"`
	EnableAutoRetry *bool    `json:"enable_auto_retry,omitempty"`
	RetryableErrors []string `json:"retryable_errors,omitempty"`
}

// MaintenanceConfig controls the periodic housekeeping jobs.
//
// Schedules accept cron specs ("@daily", "0 3 * * *"), Go durations ("15m")
// or HH:MM intervals ("00:15").
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// PurgeAfter drops resolved ledger entries older than this. Default "168h".
	PurgeAfter    string `json:"purge_after,omitempty"`
	PurgeSchedule string `json:"purge_schedule,omitempty"` // default "@daily"
	AuditSchedule string `json:"audit_schedule,omitempty"` // default "15m"
}

type ProviderConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	UploadURL     string `json:"upload_url,omitempty"`
	BearerToken   string `json:"bearer_token,omitempty"` // do not log
	CreateQueryID string `json:"create_query_id,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	// Timeout is a Go duration string, default "30s".
	Timeout           string `json:"timeout,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
}

// HTTPConfig controls the control API and the metrics endpoint.
//
// Security note: prefer a loopback addr. A non-loopback addr needs a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8085"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Metrics *bool  `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// TaskEngineConfig controls the submission executor.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
type TaskEngineConfig struct {
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string. "0s" means submissions are
	// never cut short.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}
