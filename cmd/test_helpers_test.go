package cmd

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/download"
	"github.com/surge-downloader/otaupdate/internal/engine/apply"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/testutil"
)

func requireTCPListener(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listener unavailable: %v", err)
		return
	}
	_ = ln.Close()
}

func testPipelineOptions(t *testing.T) []core.PipelineOption {
	t.Helper()
	engine := apply.NewSimulatedEngine(2 * time.Millisecond)
	engine.Steps = 4
	return []core.PipelineOption{
		core.WithDBPath(filepath.Join(t.TempDir(), "state.db")),
		core.WithConstraintCheck(func(download.Constraints) error { return nil }),
		core.WithEngine(engine),
	}
}

func newTestService(t *testing.T) *core.LocalUpdateService {
	t.Helper()
	p, err := core.OpenPipeline(context.Background(), testutil.Settings(t), testPipelineOptions(t)...)
	require.NoError(t, err)
	svc := core.NewLocalUpdateService(p)
	t.Cleanup(func() { _ = svc.Shutdown() })
	return svc
}

// useService routes every command through svc for the rest of the test.
func useService(t *testing.T, svc core.UpdateService, local bool) {
	t.Helper()
	prev := withSession
	withSession = func(ctx context.Context, fn func(s *session) error) error {
		return fn(&session{svc: svc, local: local, close: func() {}})
	}
	t.Cleanup(func() { withSession = prev })
}

func testBuild(t *testing.T) types.BuildInfo {
	t.Helper()
	data, _, _, err := testutil.BuildOTAPackage(testutil.OTAPackage{
		Payload:    make([]byte, 64*types.KB),
		Properties: testutil.DefaultProperties(),
	})
	require.NoError(t, err)
	server := testutil.NewMockServerT(t, testutil.WithData(data), testutil.WithRangeSupport(true))
	return types.BuildInfo{
		Version:                "2.0.0",
		ReleaseTimestampMillis: 1700000000000,
		DownloadURL:            server.URL(),
		FileName:               "ota.zip",
		FileSizeBytes:          int64(len(data)),
		ContentHash:            "sha256:" + server.Digest(),
	}
}

func resetFlags(c *cobra.Command) {
	// Cobra copies the root context into a subcommand only while the
	// subcommand has none, so a cancelled one would stick to later runs.
	c.SetContext(nil) //nolint:staticcheck
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCommand executes the CLI with args and returns its output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}
