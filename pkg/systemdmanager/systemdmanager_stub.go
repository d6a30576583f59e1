//go:build !linux

package systemdmanager

import "context"

type Manager struct{ unit string }

func Open(context.Context, string) (*Manager, error) {
	return nil, ErrUnsupported
}

func (m *Manager) Unit() string                            { return m.unit }
func (m *Manager) Close() error                            { return nil }
func (m *Manager) Status(context.Context) (*Status, error) { return nil, ErrUnsupported }
func (m *Manager) Start(context.Context) error             { return ErrUnsupported }
func (m *Manager) Stop(context.Context) error              { return ErrUnsupported }
func (m *Manager) Restart(context.Context) error           { return ErrUnsupported }
