package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshfetch/internal/blockfetch"
	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/config"
	"github.com/tunnelmesh/meshfetch/internal/fetch"
	"github.com/tunnelmesh/meshfetch/internal/logging/audit"
	"github.com/tunnelmesh/meshfetch/internal/metrics"
	"github.com/tunnelmesh/meshfetch/internal/tracing"
)

// staleTempAge is how old a scratch file must be before start-up removes it.
const staleTempAge = 24 * time.Hour

var priorityNames = map[string]fetch.Priority{
	"maximum":     fetch.PriorityMaximum,
	"interactive": fetch.PriorityInteractive,
	"immediate":   fetch.PriorityImmediateSplitfile,
	"update":      fetch.PriorityUpdate,
	"bulk":        fetch.PriorityBulkSplitfile,
	"prefetch":    fetch.PriorityPrefetch,
	"minimum":     fetch.PriorityMinimum,
}

func parsePriority(name string) (fetch.Priority, error) {
	p, ok := priorityNames[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(priorityNames))
		for n := range priorityNames {
			names = append(names, n)
		}
		sort.Strings(names)
		return 0, fmt.Errorf("unknown priority %q (want one of %s)", name, strings.Join(names, ", "))
	}
	return p, nil
}

type fetchOptions struct {
	output   string
	record   bool
	priority string
	timeout  time.Duration
	traceOut string
	progress bool
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <key>",
		Short: "Fetch content by key",
		Long: `Fetch content by key. Without --output the data is written to stdout.

With --record, the recovery record of the output file is printed instead, so
that a later "meshfetch recover" can adopt the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write data to this file")
	cmd.Flags().BoolVar(&opts.record, "record", false, "print the recovery record of the output file")
	cmd.Flags().StringVar(&opts.priority, "priority", "interactive", "scheduling priority")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	cmd.Flags().StringVar(&opts.traceOut, "trace-out", "", "write a runtime trace of the fetch to this file")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "report block progress on stderr")
	return cmd
}

func runFetch(cmd *cobra.Command, uri string, opts *fetchOptions) error {
	if opts.record && opts.output == "" {
		return errors.New("--record needs --output")
	}
	priority, err := parsePriority(opts.priority)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if opts.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.timeout)
		defer cancelTimeout()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	temp, err := openTemp(cfg)
	if err != nil {
		return err
	}
	if n, err := temp.Sweep(staleTempAge, nil); err != nil {
		log.Warn().Err(err).Msg("failed to sweep temp dir")
	} else if n > 0 {
		log.Info().Int("files", n).Str("dir", temp.Dir()).Msg("removed stale temp files")
	}

	auditLog, closeAudit := openAudit(cfg)
	defer closeAudit()

	if opts.traceOut != "" {
		rec, err := tracing.Start(0)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.SnapshotFile(opts.traceOut); err != nil {
				log.Warn().Err(err).Msg("failed to write trace")
			}
			rec.Stop()
		}()
	}

	m := metrics.InitFetchMetrics(nil)
	if cfg.MetricsListen != "" {
		stop := serveMetrics(cfg.MetricsListen)
		defer stop()
	}

	var returnBucket *bucket.FileBucket
	if opts.output != "" {
		returnBucket, err = bucket.NewFileBucket(opts.output, bucket.FileOptions{})
		if err != nil {
			return err
		}
	}

	scheduler := fetch.NewScheduler(ctx, cfg.Fetch.Workers)
	defer scheduler.Close()
	m.SetQueueSource(scheduler.Queued)
	defer m.SetQueueSource(nil)

	var events fetch.EventSink = fetch.LogSink{Logger: log.With().Str("component", "progress").Logger()}
	if opts.progress {
		sink := fetch.NewChanSink(64)
		stopProgress := printProgress(cmd.ErrOrStderr(), sink)
		defer stopProgress()
		events = fetch.MultiSink{events, sink}
	}

	client := fetch.NewWaitClient()
	gcfg := fetch.GetterConfig{
		Client:   client,
		Factory:  blockfetch.NewFactory(s, scheduler, temp, blockfetch.DefaultParallelism),
		URI:      uri,
		Context:  fetch.NewContext(cfg.Fetch, events),
		Priority: priority,
	}
	if returnBucket != nil {
		gcfg.ReturnBucket = returnBucket
	}
	getter := fetch.NewGetter(gcfg)
	if err := getter.Start(); err != nil {
		auditLog.LogFetch(getter.ID(), uri, audit.ResultFailure, fetch.ModeOf(err).String(), 0, 0)
		return err
	}

	result, err := client.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			getter.Cancel()
		}
		auditLog.LogFetch(getter.ID(), uri, audit.ResultFailure, fetch.ModeOf(err).String(), 0, getter.Restarts())
		return describeFetchError(err)
	}
	auditLog.LogFetch(getter.ID(), uri, audit.ResultSuccess, "", result.Size(), getter.Restarts())

	log.Info().
		Str("size", humanize.IBytes(uint64(result.Size()))).
		Str("mime", result.Metadata.MIMEType).
		Int("restarts", getter.Restarts()).
		Msg("fetched")

	return writeResult(cmd.OutOrStdout(), result, opts)
}

// writeResult delivers the data of a finished fetch according to opts.
func writeResult(out io.Writer, result *fetch.Result, opts *fetchOptions) error {
	if opts.output == "" {
		defer result.Bucket.Free()
		in, err := result.Bucket.InputStream()
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		_, err = io.Copy(out, in)
		return err
	}
	if !opts.record {
		return nil
	}
	fs := result.Bucket.FieldSet()
	if fs == nil {
		return fmt.Errorf("bucket %s has no recovery record", result.Bucket.Name())
	}
	_, err := fs.WriteTo(out)
	return err
}

// printProgress writes one line per progress event from sink to w until the
// returned stop function is called. Events still buffered at stop are printed.
func printProgress(w io.Writer, sink *fetch.ChanSink) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	write := func(ev fetch.Event) {
		_, _ = fmt.Fprintf(w, "%s %5.1f%% (%d/%d blocks)\n", ev.RequestID,
			ev.Progress.Fraction()*100, ev.Progress.Successful, ev.Progress.Total)
	}
	go func() {
		defer close(finished)
		for {
			select {
			case ev := <-sink.Events():
				write(ev)
			case <-done:
				for {
					select {
					case ev := <-sink.Events():
						write(ev)
					default:
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
		if n := sink.Dropped(); n > 0 {
			log.Debug().Uint64("dropped", n).Msg("progress events dropped")
		}
	}
}

// describeFetchError adds the failure mode's description to a fetch error.
func describeFetchError(err error) error {
	var ferr *fetch.Error
	if !errors.As(err, &ferr) {
		return err
	}
	return fmt.Errorf("%s: %w", ferr.Mode.Description(), err)
}

// serveMetrics serves the Prometheus registry on addr until stop is called.
func serveMetrics(addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// fetchConfigSummary renders the limits of a fetch for the stats command.
func fetchConfigSummary(c config.FetchConfig) string {
	return fmt.Sprintf("retries=%d block_retries=%d archive_restarts=%d redirects=%d max_output=%s workers=%d",
		c.MaxNonSplitfileRetries, c.MaxSplitfileBlockRetries, c.MaxArchiveRestarts,
		c.MaxRedirects, c.MaxOutputSize, c.Workers)
}
