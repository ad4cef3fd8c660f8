package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

type chanSource struct{ ch chan any }

func (s chanSource) Subscribe() (<-chan any, func()) {
	return s.ch, func() {}
}

func TestCountersAndOutcomes(t *testing.T) {
	m := New()
	m.AddDownloadedBytes(1024)
	m.AddDownloadedBytes(-5)
	m.AddDownloadedBytes(1024)
	m.DownloadOutcome("success")
	m.DownloadOutcome("integrity")
	m.DownloadOutcome("integrity")
	m.ApplyOutcome("signature")

	assert.Equal(t, 2048.0, promtest.ToFloat64(m.downloadedBytes))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.downloadOutcomes.WithLabelValues("integrity")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.downloadOutcomes.WithLabelValues("success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.applyOutcomes.WithLabelValues("signature")))
}

func TestObserve_GlobalPhaseIsOneHot(t *testing.T) {
	m := New()
	m.Observe(events.GlobalChangedMsg{Status: types.GlobalStatus{Code: types.GlobalDownloading}})

	for _, c := range globalPhases {
		want := 0.0
		if c == types.GlobalDownloading {
			want = 1
		}
		assert.Equal(t, want, promtest.ToFloat64(m.globalPhase.WithLabelValues(c.String())), c.String())
	}

	m.Observe(events.DownloadChangedMsg{Status: types.DownloadStatus{Percent: 42}})
	m.Observe(events.UpdateChangedMsg{Status: types.UpdateStatus{ProgressPercent: 7}})
	m.Observe("ignored")
	assert.Equal(t, 42.0, promtest.ToFloat64(m.downloadPercent))
	assert.Equal(t, 7.0, promtest.ToFloat64(m.applyPercent))
}

func TestFollow(t *testing.T) {
	m := New()
	src := chanSource{ch: make(chan any, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Follow(ctx, src, types.Snapshot{Global: types.GlobalStatus{Code: types.GlobalUpdatePending}})
		close(done)
	}()

	src.ch <- events.GlobalChangedMsg{Status: types.GlobalStatus{Code: types.GlobalUpdating}}
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(m.globalPhase.WithLabelValues("updating")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.globalPhase.WithLabelValues("update_pending")))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.DownloadOutcome("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `otaupdate_download_outcomes_total{outcome="success"} 1`), text)
	assert.Contains(t, text, `otaupdate_global_phase{phase="none"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
