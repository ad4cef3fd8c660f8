package apply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/surge-downloader/otaupdate/internal/utils"
)

const dbusDefaultFlag = 0

// Signal and error names exported by the engine, relative to its interface.
const (
	signalStatusUpdate     = "StatusUpdate"
	signalApplicationDone  = "PayloadApplicationComplete"
	errorSuffixBusy        = ".Error.Busy"
	errorSuffixNotInFlight = ".Error.NothingInFlight"
	methodApplyPayload     = "ApplyPayload"
	methodSuspend          = "Suspend"
	methodResume           = "Resume"
	methodCancel           = "Cancel"
	methodCleanupApplied   = "CleanupAppliedPayload"
	methodResetStatus      = "ResetStatus"
)

// DBusEngine talks to an apply engine service exported on D-Bus. The bus
// name doubles as the interface name.
type DBusEngine struct {
	BusName    string
	ObjectPath dbus.ObjectPath
	SystemBus  bool

	mu      sync.Mutex
	conn    *dbus.Conn
	obj     dbus.BusObject
	signals chan *dbus.Signal
	done    chan struct{}
}

// NewDBusEngine returns an unbound engine client.
func NewDBusEngine(busName, objectPath string, systemBus bool) *DBusEngine {
	return &DBusEngine{
		BusName:    busName,
		ObjectPath: dbus.ObjectPath(objectPath),
		SystemBus:  systemBus,
	}
}

func (e *DBusEngine) connect() (*dbus.Conn, error) {
	if e.SystemBus {
		return dbus.ConnectSystemBus()
	}
	return dbus.ConnectSessionBus()
}

// Bind opens a private bus connection and starts delivering engine signals
// to cb. Binding again replaces the previous callback.
func (e *DBusEngine) Bind(cb Callback) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.unbindLocked()

	conn, err := e.connect()
	if err != nil {
		return fmt.Errorf("connect dbus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(e.ObjectPath),
		dbus.WithMatchInterface(e.BusName),
	); err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe engine signals: %w", err)
	}

	e.conn = conn
	e.obj = conn.Object(e.BusName, e.ObjectPath)
	e.signals = make(chan *dbus.Signal, 16)
	e.done = make(chan struct{})
	conn.Signal(e.signals)

	go e.dispatch(cb, e.signals, e.done)
	utils.Debug("Engine: bound to %s %s", e.BusName, e.ObjectPath)
	return nil
}

func (e *DBusEngine) dispatch(cb Callback, signals <-chan *dbus.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			e.deliver(cb, sig)
		}
	}
}

func (e *DBusEngine) deliver(cb Callback, sig *dbus.Signal) {
	switch sig.Name {
	case e.BusName + "." + signalStatusUpdate:
		var status int32
		var fraction float64
		if err := dbus.Store(sig.Body, &status, &fraction); err != nil {
			utils.Debug("Engine: malformed %s: %v", signalStatusUpdate, err)
			return
		}
		cb.OnStatusUpdate(Status(status), fraction)
	case e.BusName + "." + signalApplicationDone:
		var code int32
		if err := dbus.Store(sig.Body, &code); err != nil {
			utils.Debug("Engine: malformed %s: %v", signalApplicationDone, err)
			return
		}
		cb.OnApplyComplete(ErrorCode(code))
	}
}

func (e *DBusEngine) call(ctx context.Context, method string, args ...interface{}) error {
	e.mu.Lock()
	obj := e.obj
	e.mu.Unlock()
	if obj == nil {
		return ErrNotBound
	}
	err := obj.CallWithContext(ctx, e.BusName+"."+method, dbusDefaultFlag, args...).Err
	return e.mapError(err)
}

func (e *DBusEngine) mapError(err error) error {
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch {
		case strings.HasSuffix(dbusErr.Name, errorSuffixBusy):
			return fmt.Errorf("%w: %s", ErrEngineBusy, dbusErr.Error())
		case strings.HasSuffix(dbusErr.Name, errorSuffixNotInFlight):
			return fmt.Errorf("%w: %s", ErrNothingInFlight, dbusErr.Error())
		}
	}
	return err
}

func (e *DBusEngine) ApplyPayload(ctx context.Context, uri string, offset, size int64, headers []string) error {
	return e.call(ctx, methodApplyPayload, uri, offset, size, headers)
}

func (e *DBusEngine) Suspend(ctx context.Context) error { return e.call(ctx, methodSuspend) }

func (e *DBusEngine) Resume(ctx context.Context) error { return e.call(ctx, methodResume) }

func (e *DBusEngine) Cancel(ctx context.Context) error { return e.call(ctx, methodCancel) }

func (e *DBusEngine) CleanupAppliedPayload(ctx context.Context) error {
	return e.call(ctx, methodCleanupApplied)
}

func (e *DBusEngine) ResetStatus(ctx context.Context) error { return e.call(ctx, methodResetStatus) }

// Unbind stops signal delivery and closes the bus connection.
func (e *DBusEngine) Unbind() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unbindLocked()
}

func (e *DBusEngine) unbindLocked() error {
	if e.conn == nil {
		return nil
	}
	close(e.done)
	e.conn.RemoveSignal(e.signals)
	err := e.conn.Close()
	if err != nil {
		utils.Debug("Engine: error closing dbus connection: %v", err)
	}
	e.conn, e.obj, e.signals, e.done = nil, nil, nil, nil
	return err
}
