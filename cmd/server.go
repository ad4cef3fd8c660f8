package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

const shutdownTimeout = 5 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the otaupdate background server (daemon)",
	Long:  `Start, stop, or check the status of the otaupdate background server.`,
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the update pipeline and its HTTP API in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := initializeGlobalState()
		if err != nil {
			return err
		}

		// Attempt to acquire lock
		isMaster, err := AcquireLock()
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		if !isMaster {
			return errors.New("otaupdate server is already running")
		}
		defer func() {
			if err := ReleaseLock(); err != nil {
				utils.Debug("Error releasing lock: %v", err)
			}
		}()

		portFlag, _ := cmd.Flags().GetInt("port")
		ln, port, err := listen(portFlag)
		if err != nil {
			return err
		}

		savePID()
		defer removePID()

		var opts []core.PipelineOption
		if initStaging, _ := cmd.Flags().GetBool("init-staging"); initStaging {
			opts = append(opts, core.WithStagingInit())
		}

		out := cmd.OutOrStdout()
		return runServer(cmd.Context(), settings, ln, port, out, func() {
			fmt.Fprintf(out, "otaupdate %s running in server mode.\n", Version)
			fmt.Fprintf(out, "HTTP server listening on port %d\n", port)
			fmt.Fprintln(out, "Press Ctrl+C to exit.")
		}, opts...)
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running otaupdate server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := readPID()
		if pid == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No running otaupdate server found (PID file missing).")
			return nil
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("finding process: %w", err)
		}

		// Try to send SIGTERM
		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("stopping server: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sent stop signal to process %d\n", pid)
		return nil
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the otaupdate server",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		pid := readPID()
		if pid == 0 {
			fmt.Fprintln(out, "otaupdate server is NOT running.")
			return
		}

		// Check if process exists
		process, err := os.FindProcess(pid)
		if err != nil {
			fmt.Fprintf(out, "otaupdate server is NOT running (Process %d not found).\n", pid)
			return
		}

		// Sending signal 0 to check existence
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Fprintf(out, "otaupdate server is NOT running (Process %d dead).\n", pid)
			return
		}

		port := readActivePort()
		fmt.Fprintf(out, "otaupdate server is running (PID: %d, Port: %d).\n", pid, port)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	serverCmd.AddCommand(serverStatusCmd)

	serverStartCmd.Flags().IntP("port", "p", 0, fmt.Sprintf("Port to listen on (default: %d or first available)", defaultPort))
	serverStartCmd.Flags().Bool("init-staging", false, "Create the staging directory with mode 0770 if it is missing")
}

func pidFile() string {
	return filepath.Join(config.GetRuntimeDir(), "pid")
}

func savePID() {
	pid := os.Getpid()
	if err := os.WriteFile(pidFile(), []byte(fmt.Sprintf("%d", pid)), 0o644); err != nil {
		utils.Debug("Error writing PID file: %v", err)
	}
}

func removePID() {
	if err := os.Remove(pidFile()); err != nil && !os.IsNotExist(err) {
		utils.Debug("Error removing PID file: %v", err)
	}
}

func readPID() int {
	data, err := os.ReadFile(pidFile())
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// listen binds the requested port, or the first free one from defaultPort.
func listen(port int) (net.Listener, int, error) {
	if port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return nil, 0, fmt.Errorf("could not bind to port %d: %w", port, err)
		}
		return ln, port, nil
	}
	port, ln := findAvailablePort(defaultPort)
	if ln == nil {
		return nil, 0, errors.New("could not find available port")
	}
	return ln, port, nil
}

// runServer serves the API on ln until ctx is done, then shuts the HTTP
// server and the pipeline down. ready runs once the API accepts requests.
func runServer(ctx context.Context, settings *config.Settings, ln net.Listener, port int, out io.Writer, ready func(), opts ...core.PipelineOption) error {
	pipeline, err := core.OpenPipeline(ctx, settings, opts...)
	if err != nil {
		_ = ln.Close()
		return err
	}
	svc := core.NewLocalUpdateService(pipeline)
	defer func() {
		if err := svc.Shutdown(); err != nil {
			utils.Debug("Error shutting down pipeline: %v", err)
		}
	}()

	// Request contexts derive from baseCtx so open event streams end
	// before Shutdown waits for them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server := &http.Server{
		Handler:           newAPIHandler(svc, pipeline.Metrics.Handler(), ensureAuthToken(), port),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	saveActivePort(port)
	defer removeActivePort()
	if ready != nil {
		ready()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	fmt.Fprintln(out, "\nShutting down...")
	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Debug("HTTP server shutdown: %v", err)
	}
	return nil
}
