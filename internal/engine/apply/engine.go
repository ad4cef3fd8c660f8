// Package apply defines the contract with the privileged apply engine that
// writes an update payload to the inactive slot, plus two implementations.
package apply

import (
	"context"
	"errors"
)

var (
	// ErrEngineBusy is returned by ApplyPayload while another application is
	// in flight or an applied update awaits reboot.
	ErrEngineBusy = errors.New("apply engine busy")

	// ErrNothingInFlight is returned by Suspend, Resume and Cancel when no
	// application is running. Callers treat it as a no-op.
	ErrNothingInFlight = errors.New("no update in flight")

	// ErrNotBound is returned when a call needs a bound callback.
	ErrNotBound = errors.New("apply engine not bound")
)

// Callback receives asynchronous engine notifications.
type Callback interface {
	OnStatusUpdate(status Status, fraction float64)
	OnApplyComplete(code ErrorCode)
}

// Engine is the single privileged apply primitive on the device.
type Engine interface {
	Bind(cb Callback) error
	ApplyPayload(ctx context.Context, uri string, offset, size int64, headers []string) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	CleanupAppliedPayload(ctx context.Context) error
	ResetStatus(ctx context.Context) error
	Unbind() error
}
