package cmd

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the update pipeline in a live dashboard",
	Long: `Open a terminal dashboard that follows download and apply progress.
Keys in the dashboard start, pause, resume and cancel each stage.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		return withSession(ctx, func(s *session) error {
			snap, err := s.svc.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			stream, cleanup, err := s.svc.StreamEvents(ctx)
			if err != nil {
				return fmt.Errorf("failed to start event stream: %w", err)
			}
			defer cleanup()

			source := "in-process"
			if !s.local {
				source = resolveHostTarget()
				if source == "" {
					source = fmt.Sprintf("127.0.0.1:%d", readActivePort())
				}
			}

			// A preset background stops lipgloss probing the terminal with OSC 11.
			if os.Getenv("COLORFGBG") == "" {
				_ = os.Setenv("COLORFGBG", "15;0")
			}

			m := tui.NewWatchModel(s.svc, source, Version, snap)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

			go func() {
				for msg := range stream {
					p.Send(msg)
				}
			}()

			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("running dashboard: %w", err)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// resolveConnectBaseURL turns host:port or a URL into a base URL. Plain
// HTTP is only allowed for loopback targets unless allowInsecureHTTP is set.
func resolveConnectBaseURL(target string, allowInsecureHTTP bool) (string, error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("invalid target: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported scheme %q (use http or https)", u.Scheme)
		}
		if u.Host == "" {
			return "", fmt.Errorf("invalid target: missing host")
		}
		if u.Scheme == "http" && !allowInsecureHTTP && !isLoopbackHost(u.Hostname()) {
			return "", fmt.Errorf("refusing insecure HTTP for non-loopback target, use https://")
		}
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
	}

	scheme := "https"
	if isLoopbackHost(hostnameFromTarget(target)) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, target), nil
}

func hostnameFromTarget(target string) string {
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return strings.Trim(target, "[]")
}

func isLoopbackHost(host string) bool {
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
