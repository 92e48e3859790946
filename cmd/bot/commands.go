package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"digestbot/internal/app"
	"digestbot/internal/dispatch"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "digestbot",
		Short:         "Outbound Telegram dispatch service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatusCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		cfgPath string
		envFile string
		stopMax time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, envFile, stopMax)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (.json, .yaml or .toml); empty uses defaults and env")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with overrides (optional)")
	cmd.Flags().DurationVar(&stopMax, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func run(parent context.Context, cfgPath, envFile string, stopMax time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath, envFile)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}
	// no-op outside systemd
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.ReasonForSignal(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}
	cancel()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		token   string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print dispatch metrics from a running instance's admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, raw, err := fetchMetrics(cmd.Context(), addr, token, timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err = out.Write(raw)
				return err
			}
			printStatus(out, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "admin server address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("DIGESTBOT_ADMIN_TOKEN"), "admin bearer token")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func fetchMetrics(ctx context.Context, addr, token string, timeout time.Duration) (dispatch.MetricsSnapshot, []byte, error) {
	var snap dispatch.MetricsSnapshot
	if ctx == nil {
		ctx = context.Background()
	}
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/dispatch/metrics", nil)
	if err != nil {
		return snap, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return snap, nil, fmt.Errorf("could not reach admin server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return snap, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return snap, nil, fmt.Errorf("admin server: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, nil, errors.New("admin server returned malformed metrics")
	}
	return snap, raw, nil
}

func printStatus(w io.Writer, s dispatch.MetricsSnapshot) {
	mode := "queued"
	if s.Bypassed {
		mode = "bypassed"
	}
	fmt.Fprintf(w, "Mode:          %s\n", mode)
	fmt.Fprintf(w, "Queue depth:   %d\n", s.QueueDepth)
	fmt.Fprintf(w, "Max delay:     %.2fs\n", s.MaxDelay.Seconds())
	fmt.Fprintf(w, "Average delay: %.2fs\n", s.AverageDelay.Seconds())
	if s.WorstChatID != 0 {
		fmt.Fprintf(w, "Worst chat:    %d (%.2fs)\n", s.WorstChatID, s.WorstChatDelay.Seconds())
	}
	if s.QueueDepth > 0 {
		fmt.Fprintf(w, "Oldest wait:   %.2fs\n", s.MaxPendingAge.Seconds())
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "digestbot", version)
		},
	}
}
