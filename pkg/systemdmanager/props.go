// Package systemdmanager controls the daemon's own systemd unit over D-Bus.
package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// Status is a unit's state as systemd reports it.
type Status struct {
	Unit          string
	Active        string // active, inactive, failed, ...
	SubState      string // running, dead, ...
	LoadState     string // loaded, not-found, ...
	Description   string
	ActiveSince   time.Time // ActiveEnterTimestamp
	InactiveSince time.Time // InactiveEnterTimestamp
}

// Running reports whether the unit is active and running.
func (s Status) Running() bool { return s.Active == "active" && s.SubState == "running" }

// Since is when the unit entered its current state, zero when unknown.
func (s Status) Since() time.Time {
	if s.Active == "active" {
		return s.ActiveSince
	}
	return s.InactiveSince
}

// UnitName appends ".service" unless name already carries a unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target":
			return name
		}
	}
	return name + ".service"
}

func notFound(unit string) *Status {
	return &Status{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func statusFromProps(unit string, props map[string]interface{}) *Status {
	loadState, _ := stringProp(props, "LoadState")
	if loadState == "not-found" {
		return notFound(unit)
	}
	st := &Status{Unit: unit, LoadState: loadState}
	st.Active, _ = stringProp(props, "ActiveState")
	st.SubState, _ = stringProp(props, "SubState")
	st.Description, _ = stringProp(props, "Description")
	st.ActiveSince = timestampProp(props, "ActiveEnterTimestamp")
	st.InactiveSince = timestampProp(props, "InactiveEnterTimestamp")
	return st
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]interface{}, key string) (string, bool) {
	v, ok := props[key].(string)
	return v, ok
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
