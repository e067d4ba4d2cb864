package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pulsepoint/pulsewatch/internal/config"
	"github.com/pulsepoint/pulsewatch/internal/coordination"
	"github.com/pulsepoint/pulsewatch/internal/core/interfaces"
	"github.com/pulsepoint/pulsewatch/internal/journal"
	"github.com/pulsepoint/pulsewatch/internal/metrics"
	"github.com/pulsepoint/pulsewatch/internal/watchers"
	"github.com/pulsepoint/pulsewatch/internal/watchers/local"
	pperrors "github.com/pulsepoint/pulsewatch/pkg/errors"
	pplogger "github.com/pulsepoint/pulsewatch/pkg/logger"
	"github.com/pulsepoint/pulsewatch/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxDisplayPath bounds printed path length
const maxDisplayPath = 120

// watchCmd represents the watch command (main monitoring command)
var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a directory and print coalesced change batches",
	Long: `Watch a local directory tree and print each batch of changed paths.

Changes arriving within the debounce interval of the first one are reported
together. With --stamp, PulseWatch periodically rewrites a stamp file while
the watcher is paused, so that file never shows up as a change.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Duration("debounce", 100*time.Millisecond, "Coalescing interval for file changes")
	watchCmd.Flags().StringSlice("ignore", []string{}, "Patterns to ignore (gitignore style)")
	watchCmd.Flags().String("ignore-file", ".pulseignore", "Ignore file, relative to the watched directory")
	watchCmd.Flags().Bool("no-default-ignores", false, "Do not apply the built-in ignore list")
	watchCmd.Flags().Bool("journal", true, "Record flushed batches in the journal")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")
	watchCmd.Flags().String("stamp", "", "Stamp file to rewrite periodically as a coordinated write")
	watchCmd.Flags().Duration("stamp-interval", 10*time.Second, "Interval between stamp writes")
	watchCmd.Flags().Duration("status-interval", 30*time.Second, "Interval between status lines; 0 disables them")

	viper.BindPFlag(config.KeyWatchDebounce, watchCmd.Flags().Lookup("debounce"))
	viper.BindPFlag(config.KeyWatchIgnore, watchCmd.Flags().Lookup("ignore"))
	viper.BindPFlag(config.KeyWatchIgnoreFile, watchCmd.Flags().Lookup("ignore-file"))
	viper.BindPFlag(config.KeyWatchNoDefaults, watchCmd.Flags().Lookup("no-default-ignores"))
	viper.BindPFlag(config.KeyJournalEnabled, watchCmd.Flags().Lookup("journal"))
	viper.BindPFlag(config.KeyMetricsAddr, watchCmd.Flags().Lookup("metrics-addr"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	stampFile, _ := cmd.Flags().GetString("stamp")
	stampInterval, _ := cmd.Flags().GetDuration("stamp-interval")
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	if len(args) == 1 {
		viper.Set(config.KeyWatchRoot, args[0])
	}

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	observerConfig, err := settings.ObserverConfig()
	if err != nil {
		return err
	}
	observerConfig.Logger = pplogger.Named("observer")
	log := pplogger.Named("watch")
	out := cmd.OutOrStdout()

	observer, err := watchers.NewPulsePointObserver(observerConfig, local.NewPulsePointSource(), coordination.Shared())
	if err != nil {
		return err
	}

	handler := pulsePointPrintBatch(out, observerConfig.Root)
	if settings.Journal.Enabled {
		j, err := journal.Open(settings.Journal.Path, settings.JournalOptions())
		if err != nil {
			return err
		}
		defer j.Close()
		handler = j.Handler(observerConfig.Root, handler)
	}
	observer.SetFlushHandler(handler)

	// Display startup information
	fmt.Fprintf(out, "🚀 Starting PulseWatch\n")
	fmt.Fprintf(out, "📁 Watching: %s\n", observerConfig.Root)
	fmt.Fprintf(out, "⏳ Debounce: %s\n", observerConfig.DebounceInterval)
	if len(observerConfig.IgnorePatterns) > 0 {
		fmt.Fprintf(out, "🚫 Ignore Patterns: %v\n", observerConfig.IgnorePatterns)
	}
	if settings.Journal.Enabled {
		fmt.Fprintf(out, "📒 Journal: %s\n", settings.Journal.Path)
	}
	if settings.Metrics.Addr != "" {
		fmt.Fprintf(out, "📈 Metrics: http://%s/metrics\n", settings.Metrics.Addr)
	}

	if err := observer.Start(); err != nil {
		return err
	}
	// Runs before j.Close and waits out a batch still being recorded
	defer observer.Shutdown()

	started := time.Now()
	fmt.Fprintf(out, "\n💓 PulseWatch is monitoring... Press Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if settings.Metrics.Addr != "" {
		g.Go(func() error {
			return pulsePointServeMetrics(ctx, settings.Metrics.Addr, log)
		})
	}

	if stampFile != "" {
		stampPath := stampFile
		if !filepath.IsAbs(stampPath) {
			stampPath = filepath.Join(observerConfig.Root, stampPath)
		}
		g.Go(func() error {
			return pulsePointStampLoop(ctx, observer, stampPath, stampInterval, log)
		})
	}

	if statusInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					pulsePointPrintStatus(out, observer.Stats(), time.Since(started))
				}
			}
		})
	}

	<-ctx.Done()
	err = g.Wait()
	fmt.Fprintf(out, "\n[%s] 🛑 Stopping PulseWatch...\n", time.Now().Format("15:04:05"))
	return err
}

// pulsePointPrintBatch returns a flush handler that prints each batch relative to root
func pulsePointPrintBatch(out io.Writer, root string) interfaces.FlushHandler {
	return func(batch []interfaces.PathIdentifier) {
		fmt.Fprintf(out, "[%s] 🔄 %d changed\n", time.Now().Format("15:04:05"), len(batch))
		for _, path := range batch {
			display := path
			if rel, err := filepath.Rel(root, path); err == nil {
				display = rel
			}
			fmt.Fprintf(out, "   • %s\n", utils.TruncatePath(display, maxDisplayPath))
		}
	}
}

func pulsePointPrintStatus(out io.Writer, stats watchers.Stats, uptime time.Duration) {
	if stats.Pending == 0 {
		return
	}
	fmt.Fprintf(out, "[%s] 📊 Status: %s %s for %s, %d pending, %d received, %d flushes\n",
		time.Now().Format("15:04:05"), utils.StateIcon(stats.StateName), stats.StateName,
		utils.FormatDuration(uptime), stats.Pending, stats.Received, stats.Flushes)
}

// pulsePointStampLoop rewrites path every interval inside a paused section.
// It returns when ctx ends or the observer stops. A failed re-attach after a
// write is returned as an attach error.
func pulsePointStampLoop(ctx context.Context, observer *watchers.PulsePointObserver, path string, interval time.Duration, log *zap.Logger) error {
	if interval <= 0 {
		return pperrors.NewConfigError("stamp interval must be positive", nil).
			WithContext("interval", interval.String())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if observer.State() == interfaces.StateStopped {
			return nil
		}

		err := observer.PauseAndExecuteContext(ctx, func() error {
			return pulsePointWriteStamp(path, time.Now())
		})
		switch {
		case err == nil:
			log.Debug("Stamp written", zap.String("path", path))
		case errors.Is(err, context.Canceled):
			return nil
		case pperrors.IsAttachError(err):
			return err
		default:
			log.Warn("Stamp write failed", zap.String("path", path), zap.Error(err))
		}
	}
}

func pulsePointWriteStamp(path string, now time.Time) error {
	if err := os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339Nano)+"\n"), 0644); err != nil {
		return pperrors.NewFileSystemError("failed to write stamp", err).WithContext("path", path)
	}
	return nil
}

// pulsePointServeMetrics serves /metrics until ctx ends
func pulsePointServeMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving metrics", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return pperrors.NewConfigError("failed to serve metrics", err).WithContext("addr", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
