package main

import (
	"context"
	"fmt"
	"sync"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
)

// UnitStatus is the subset of unit properties the phases look at.
type UnitStatus struct {
	LoadState     string
	ActiveState   string
	SubState      string
	UnitFileState string
}

func (s UnitStatus) Exists() bool {
	return s.LoadState != "" && s.LoadState != "not-found"
}

func (s UnitStatus) Active() bool {
	return s.ActiveState == "active"
}

func (s UnitStatus) Enabled() bool {
	return s.UnitFileState == "enabled" || s.UnitFileState == "enabled-runtime"
}

func (s UnitStatus) String() string {
	return fmt.Sprintf("load=%s active=%s sub=%s file=%s", s.LoadState, s.ActiveState, s.SubState, s.UnitFileState)
}

// ServiceManager drives the init system.
type ServiceManager interface {
	Reload(ctx context.Context) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	ReloadUnit(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (UnitStatus, error)
}

// systemdManager talks to systemd over its D-Bus API.
type systemdManager struct {
	mu   sync.Mutex
	conn *systemd.Conn
}

func newSystemdManager() *systemdManager {
	return &systemdManager{}
}

func (m *systemdManager) connect(ctx context.Context) (*systemd.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := systemd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func (m *systemdManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *systemdManager) Reload(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("unable to execute daemon-reload: %w", err)
	}
	return nil
}

func (m *systemdManager) Enable(ctx context.Context, unit string) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unit, err)
	}
	return nil
}

func (m *systemdManager) Disable(ctx context.Context, unit string) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{unit}, false); err != nil {
		return fmt.Errorf("failed to disable %s: %w", unit, err)
	}
	return nil
}

func (m *systemdManager) Start(ctx context.Context, unit string) error {
	return m.job(ctx, "start", unit, func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *systemdManager) Stop(ctx context.Context, unit string) error {
	return m.job(ctx, "stop", unit, func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *systemdManager) Restart(ctx context.Context, unit string) error {
	return m.job(ctx, "restart", unit, func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *systemdManager) ReloadUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "reload", unit, func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.ReloadOrRestartUnitContext(ctx, unit, "replace", ch)
	})
}

// job queues a unit job and waits for systemd to report its result.
func (m *systemdManager) job(ctx context.Context, verb, unit string, enqueue func(*systemd.Conn, chan<- string) (int, error)) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "systemd",
		"unit":      unit,
		"verb":      verb,
	})

	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}

	ch := make(chan string, 1)
	id, err := enqueue(conn, ch)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, unit, err)
	}
	logger.WithField("job", id).Debug("job queued")

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s %s: job finished with result %q", verb, unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *systemdManager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return UnitStatus{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("unable to query unit %s: %w", unit, err)
	}

	str := func(key string) string {
		v, _ := props[key].(string)
		return v
	}
	return UnitStatus{
		LoadState:     str("LoadState"),
		ActiveState:   str("ActiveState"),
		SubState:      str("SubState"),
		UnitFileState: str("UnitFileState"),
	}, nil
}
