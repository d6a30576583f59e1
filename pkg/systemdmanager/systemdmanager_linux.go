//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds a system bus connection scoped to one unit.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
	unit string
}

// Open connects to the system bus. name may omit the ".service" suffix.
func Open(ctx context.Context, name string) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn, unit: UnitName(name)}, nil
}

func (m *Manager) Unit() string { return m.unit }

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) connection() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return m.conn, nil
}

// Status reads the unit state. A missing unit is reported as not-found
// rather than as an error.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	conn, err := m.connection()
	if err != nil {
		return nil, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, m.unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(m.unit), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", m.unit, err)
	}
	return statusFromProps(m.unit, props), nil
}

func (m *Manager) Start(ctx context.Context) error   { return m.job(ctx, "start") }
func (m *Manager) Stop(ctx context.Context) error    { return m.job(ctx, "stop") }
func (m *Manager) Restart(ctx context.Context) error { return m.job(ctx, "restart") }

// job queues the action and waits for systemd to report its result.
func (m *Manager) job(ctx context.Context, action string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	switch action {
	case "start":
		_, err = conn.StartUnitContext(ctx, m.unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, m.unit, "replace", done)
	default:
		_, err = conn.RestartUnitContext(ctx, m.unit, "replace", done)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, m.unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, m.unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
