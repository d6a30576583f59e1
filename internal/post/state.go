package post

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	MinIntervalHours = 1
	MaxIntervalHours = 168
	MinWindowMinutes = 5
	MaxWindowMinutes = 120

	DefaultIntervalHours = 24
	DefaultWindowMinutes = 30
)

// PostingConfig controls the cadence of the scheduler loop.
type PostingConfig struct {
	Enabled             bool `json:"enabled"`
	IntervalHours       int  `json:"intervalHours"`
	RandomWindowMinutes int  `json:"randomWindowMinutes"`
	// NextPostTime is advisory, persisted for display only.
	NextPostTime *time.Time `json:"nextPostTime"`
}

func DefaultPostingConfig() PostingConfig {
	return PostingConfig{
		IntervalHours:       DefaultIntervalHours,
		RandomWindowMinutes: DefaultWindowMinutes,
	}
}

// CheckBounds validates interval and window without looking at Enabled.
func (c PostingConfig) CheckBounds() error {
	if c.IntervalHours < MinIntervalHours || c.IntervalHours > MaxIntervalHours {
		return fmt.Errorf("%w: intervalHours %d not in [%d,%d]", ErrInvalidConfig, c.IntervalHours, MinIntervalHours, MaxIntervalHours)
	}
	if c.RandomWindowMinutes < MinWindowMinutes || c.RandomWindowMinutes > MaxWindowMinutes {
		return fmt.Errorf("%w: randomWindowMinutes %d not in [%d,%d]", ErrInvalidConfig, c.RandomWindowMinutes, MinWindowMinutes, MaxWindowMinutes)
	}
	return nil
}

// ValidateForStart requires Enabled plus in-bounds values.
func (c PostingConfig) ValidateForStart() error {
	if !c.Enabled {
		return fmt.Errorf("%w: posting is disabled", ErrInvalidConfig)
	}
	return c.CheckBounds()
}

func (c PostingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

func (c PostingConfig) Window() time.Duration {
	return time.Duration(c.RandomWindowMinutes) * time.Minute
}

type Stats struct {
	TotalPosted int    `json:"totalPosted"`
	TotalFailed int    `json:"totalFailed"`
	LastError   string `json:"lastError"`
}

// SchedulerState is the observable state of the scheduler loop. Absent
// times serialize as null.
type SchedulerState struct {
	IsRunning    bool       `json:"isRunning"`
	IsPaused     bool       `json:"isPaused"`
	NextPostTime *time.Time `json:"nextPostTime"`
	LastPostTime *time.Time `json:"lastPostTime"`
	Stats        Stats      `json:"stats"`
}

func (s SchedulerState) Clone() SchedulerState {
	cp := s
	cp.NextPostTime = clonePtr(s.NextPostTime)
	cp.LastPostTime = clonePtr(s.LastPostTime)
	return cp
}

// RecoveryRecord survives a process restart. It is written and cleared as
// one record.
type RecoveryRecord struct {
	WasRunning bool          `json:"wasRunning"`
	Config     PostingConfig `json:"config"`
	SavedAt    time.Time     `json:"savedAt"`
}

// Session holds the user-supplied credentials for the provider.
type Session struct {
	Valid       bool       `json:"valid"`
	Cookies     string     `json:"cookies"`
	ValidatedAt *time.Time `json:"validatedAt"`
}

// Cookie returns the named cookie value from the raw cookie blob.
func (s Session) Cookie(name string) string {
	cookies, err := http.ParseCookie(strings.TrimSpace(s.Cookies))
	if err != nil {
		// Fall back to a lenient split, blobs copied from browsers are messy.
		for _, part := range strings.Split(s.Cookies, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.TrimSpace(k) == name {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Usable reports whether posting may be attempted with this session.
func (s Session) Usable() bool {
	return s.Valid && s.Cookie("auth_token") != "" && s.Cookie("ct0") != ""
}
