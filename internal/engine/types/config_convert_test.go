package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/surge-downloader/otaupdate/internal/config"
)

// TestConvertRuntimeConfig_AllFieldsCopied verifies that every field in
// config.RuntimeConfig is mapped to types.RuntimeConfig.
func TestConvertRuntimeConfig_AllFieldsCopied(t *testing.T) {
	input := &config.RuntimeConfig{
		UserAgent:               "TestAgent/1.0",
		ProxyURL:                "socks5://127.0.0.1:1080",
		SkipTLSVerification:     true,
		WorkerBufferSize:        64 * 1024,
		MaxTaskRetries:          7,
		RetryBaseDelay:          3 * time.Second,
		Workers:                 4,
		ProgressPersistInterval: time.Second,
		RequireNetwork:          true,
		MinFreeBytes:            10 * MB,
	}

	result := ConvertRuntimeConfig(input)

	if result == nil {
		t.Fatal("ConvertRuntimeConfig returned nil")
	}
	if result.UserAgent != input.UserAgent {
		t.Errorf("UserAgent: got %q, want %q", result.UserAgent, input.UserAgent)
	}
	if result.ProxyURL != input.ProxyURL {
		t.Errorf("ProxyURL: got %q, want %q", result.ProxyURL, input.ProxyURL)
	}
	if result.SkipTLSVerification != input.SkipTLSVerification {
		t.Errorf("SkipTLSVerification: got %v, want %v", result.SkipTLSVerification, input.SkipTLSVerification)
	}
	if result.WorkerBufferSize != input.WorkerBufferSize {
		t.Errorf("WorkerBufferSize: got %d, want %d", result.WorkerBufferSize, input.WorkerBufferSize)
	}
	if result.MaxTaskRetries != input.MaxTaskRetries {
		t.Errorf("MaxTaskRetries: got %d, want %d", result.MaxTaskRetries, input.MaxTaskRetries)
	}
	if result.RetryBaseDelay != input.RetryBaseDelay {
		t.Errorf("RetryBaseDelay: got %v, want %v", result.RetryBaseDelay, input.RetryBaseDelay)
	}
	if result.Workers != input.Workers {
		t.Errorf("Workers: got %d, want %d", result.Workers, input.Workers)
	}
	if result.ProgressPersistInterval != input.ProgressPersistInterval {
		t.Errorf("ProgressPersistInterval: got %v, want %v", result.ProgressPersistInterval, input.ProgressPersistInterval)
	}
	if result.RequireNetwork != input.RequireNetwork {
		t.Errorf("RequireNetwork: got %v, want %v", result.RequireNetwork, input.RequireNetwork)
	}
	if result.MinFreeBytes != input.MinFreeBytes {
		t.Errorf("MinFreeBytes: got %d, want %d", result.MinFreeBytes, input.MinFreeBytes)
	}
}

func TestConvertRuntimeConfig_NilUsesDefaults(t *testing.T) {
	result := ConvertRuntimeConfig(nil)

	if got := result.GetWorkerBufferSize(); got != WorkerBuffer {
		t.Errorf("GetWorkerBufferSize: got %d, want %d", got, WorkerBuffer)
	}
	if got := result.GetMaxTaskRetries(); got != MaxTaskRetries {
		t.Errorf("GetMaxTaskRetries: got %d, want %d", got, MaxTaskRetries)
	}
	if got := result.GetWorkers(); got != DefaultWorkers {
		t.Errorf("GetWorkers: got %d, want %d", got, DefaultWorkers)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		name       string
		downloaded int64
		total      int64
		want       int
	}{
		{"zero total", 10, 0, 0},
		{"nothing yet", 0, 100, 0},
		{"floor", 199, 1000, 19},
		{"exact half", 150 * MB, 300 * MB, 50},
		{"complete", 300 * MB, 300 * MB, 100},
		{"overshoot clamps", 301, 300, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percent(tt.downloaded, tt.total); got != tt.want {
				t.Errorf("Percent(%d, %d) = %d, want %d", tt.downloaded, tt.total, got, tt.want)
			}
		})
	}
}

func TestEnumNamesDoNotOverlap(t *testing.T) {
	seen := map[string]string{}
	add := func(kind, name string) {
		if prev, ok := seen[name]; ok {
			t.Errorf("name %q used by both %s and %s", name, prev, kind)
		}
		seen[name] = kind
	}
	for _, n := range globalNames {
		add("global", n)
	}
	for _, n := range downloadNames {
		add("download", n)
	}
	for _, n := range updateNames {
		add("update", n)
	}
}

func TestParseRejectsForeignNames(t *testing.T) {
	if _, err := ParseGlobalCode(DownloadFailed.String()); err == nil {
		t.Error("ParseGlobalCode accepted a download phase name")
	}
	if _, err := ParseDownloadPhase(UpdateFailed.String()); err == nil {
		t.Error("ParseDownloadPhase accepted an update code name")
	}
	if _, err := ParseUpdateCode(GlobalUpdatePending.String()); err == nil {
		t.Error("ParseUpdateCode accepted a global code name")
	}

	c, err := ParseGlobalCode("reboot_pending")
	if err != nil || c != GlobalRebootPending {
		t.Errorf("ParseGlobalCode(reboot_pending) = %v, %v", c, err)
	}
}

func TestPayloadDescriptorValid(t *testing.T) {
	d := InvalidDescriptor("/tmp/pkg.zip")
	if d.Valid() {
		t.Fatal("unset descriptor reported valid")
	}

	d.PayloadOffset = 100
	d.PayloadSize = 200
	d.HeaderLines = [4]string{"A=1", "B=2", "C=3", ""}
	if d.Valid() {
		t.Error("descriptor with empty header line reported valid")
	}

	d.HeaderLines[3] = "D=4"
	if !d.Valid() {
		t.Error("complete descriptor reported invalid")
	}
}

func TestSnapshotJSONUsesNames(t *testing.T) {
	snap := Snapshot{
		Global:   GlobalStatus{Code: GlobalUpdatePending},
		Download: DownloadStatus{Phase: DownloadFinished},
		Update:   UpdateStatus{Code: UpdateFailed, Reason: ReasonSignature},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, want := range []string{`"code":"update_pending"`, `"phase":"dl_finished"`, `"code":"up_failed"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("%s missing from %s", want, data)
		}
	}

	var back Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != snap {
		t.Errorf("round trip changed snapshot: %+v", back)
	}

	bad := []byte(`{"global":{"code":"dl_failed"}}`)
	if err := json.Unmarshal(bad, &back); err == nil {
		t.Error("global code accepted a download phase name")
	}
}
