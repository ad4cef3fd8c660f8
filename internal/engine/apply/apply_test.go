package apply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	status   Status
	fraction float64
}

type recorder struct {
	mu      sync.Mutex
	reports []report
	done    chan ErrorCode
}

func newRecorder() *recorder {
	return &recorder{done: make(chan ErrorCode, 1)}
}

func (r *recorder) OnStatusUpdate(s Status, f float64) {
	r.mu.Lock()
	r.reports = append(r.reports, report{s, f})
	r.mu.Unlock()
}

func (r *recorder) OnApplyComplete(code ErrorCode) { r.done <- code }

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, rep := range r.reports {
		if len(out) == 0 || out[len(out)-1] != rep.status {
			out = append(out, rep.status)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T) ErrorCode {
	t.Helper()
	select {
	case code := <-r.done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("engine never completed")
		return ErrorGeneric
	}
}

func newSim() *SimulatedEngine {
	e := NewSimulatedEngine(time.Millisecond)
	e.Steps = 3
	return e
}

func TestSimulatedEngine_Success(t *testing.T) {
	e := newSim()
	rec := newRecorder()
	require.NoError(t, e.Bind(rec))

	require.NoError(t, e.ApplyPayload(context.Background(), "file:///staging/ota.zip", 100, 200, []string{"A", "B", "C", "D"}))
	assert.Equal(t, "file:///staging/ota.zip", e.LastApplied())

	assert.Equal(t, ErrorSuccess, rec.wait(t))
	assert.Equal(t, []Status{
		StatusUpdateAvailable, StatusDownloading, StatusVerifying, StatusFinalizing, StatusUpdatedNeedReboot,
	}, rec.statuses())

	// An applied update blocks another attempt until reset.
	assert.ErrorIs(t, e.ApplyPayload(context.Background(), "file:///x", 0, 1, nil), ErrEngineBusy)
	require.NoError(t, e.ResetStatus(context.Background()))
	assert.NoError(t, e.ApplyPayload(context.Background(), "file:///x", 0, 1, nil))
	rec.wait(t)
}

func TestSimulatedEngine_FailWith(t *testing.T) {
	e := newSim()
	e.FailWith = ErrorMetadataSignatureMismatch
	rec := newRecorder()
	require.NoError(t, e.Bind(rec))

	require.NoError(t, e.ApplyPayload(context.Background(), "file:///x", 0, 1, nil))
	assert.Equal(t, ErrorMetadataSignatureMismatch, rec.wait(t))
	assert.NotContains(t, rec.statuses(), StatusFinalizing)

	// Failure leaves the engine free.
	assert.NoError(t, e.ApplyPayload(context.Background(), "file:///x", 0, 1, nil))
	rec.wait(t)
}

func TestSimulatedEngine_SuspendResumeCancel(t *testing.T) {
	e := NewSimulatedEngine(5 * time.Millisecond)
	e.Steps = 50
	rec := newRecorder()
	require.NoError(t, e.Bind(rec))
	ctx := context.Background()

	assert.ErrorIs(t, e.Suspend(ctx), ErrNothingInFlight)
	assert.ErrorIs(t, e.Cancel(ctx), ErrNothingInFlight)

	require.NoError(t, e.ApplyPayload(ctx, "file:///x", 0, 1, nil))
	require.NoError(t, e.Suspend(ctx))
	time.Sleep(30 * time.Millisecond)
	rec.mu.Lock()
	frozen := len(rec.reports)
	rec.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, frozen, len(rec.reports), "no reports while suspended")
	rec.mu.Unlock()

	require.NoError(t, e.Resume(ctx))
	require.NoError(t, e.Cancel(ctx))
	require.NoError(t, e.Cancel(ctx), "second cancel while stopping is harmless")
	assert.Equal(t, ErrorUserCancelled, rec.wait(t))
}

func TestSimulatedEngine_RequiresBind(t *testing.T) {
	e := newSim()
	assert.ErrorIs(t, e.ApplyPayload(context.Background(), "file:///x", 0, 1, nil), ErrNotBound)
}

func TestDBusEngine_MapError(t *testing.T) {
	e := NewDBusEngine("org.otaupdate.UpdateEngine", "/org/otaupdate/UpdateEngine", false)

	busy := dbus.Error{Name: "org.otaupdate.UpdateEngine.Error.Busy", Body: []interface{}{"already running"}}
	assert.ErrorIs(t, e.mapError(busy), ErrEngineBusy)

	idle := dbus.Error{Name: "org.otaupdate.UpdateEngine.Error.NothingInFlight"}
	assert.ErrorIs(t, e.mapError(idle), ErrNothingInFlight)

	other := errors.New("connection reset")
	assert.Equal(t, other, e.mapError(other))
	assert.NoError(t, e.mapError(nil))
}

func TestDBusEngine_UnboundCalls(t *testing.T) {
	e := NewDBusEngine("org.otaupdate.UpdateEngine", "/org/otaupdate/UpdateEngine", false)
	assert.ErrorIs(t, e.Cancel(context.Background()), ErrNotBound)
	assert.NoError(t, e.Unbind())
}

func TestDBusEngine_Deliver(t *testing.T) {
	e := NewDBusEngine("org.otaupdate.UpdateEngine", "/org/otaupdate/UpdateEngine", false)
	rec := newRecorder()

	e.deliver(rec, &dbus.Signal{Name: "org.otaupdate.UpdateEngine.StatusUpdate", Body: []interface{}{int32(3), 0.25}})
	e.deliver(rec, &dbus.Signal{Name: "org.otaupdate.UpdateEngine.StatusUpdate", Body: []interface{}{"bad"}})
	e.deliver(rec, &dbus.Signal{Name: "org.other.Signal", Body: []interface{}{int32(1)}})
	e.deliver(rec, &dbus.Signal{Name: "org.otaupdate.UpdateEngine.PayloadApplicationComplete", Body: []interface{}{int32(26)}})

	require.Len(t, rec.reports, 1)
	assert.Equal(t, report{StatusDownloading, 0.25}, rec.reports[0])
	assert.Equal(t, ErrorMetadataSignatureMismatch, rec.wait(t))
}

func TestCodeNames(t *testing.T) {
	assert.Equal(t, "FINALIZING", StatusFinalizing.String())
	assert.Equal(t, "STATUS(42)", Status(42).String())
	assert.Equal(t, "USER_CANCELLED", ErrorUserCancelled.String())
	assert.True(t, ErrorNotEnoughSpace.Known())
	assert.False(t, ErrorCode(999).Known())
}
