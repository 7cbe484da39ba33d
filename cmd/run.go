package cmd

import (
	"bufio"
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/batch"
	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/id/uuid"
)

type runFlags struct {
	urls       string
	jobID      string
	chunkSize  int
	statusAddr string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.urls, "urls", "", "file with one URL per line, or - for stdin")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "URLs per chunk (overrides stream.chunk_size)")
	cmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "serve the status API on this address (overrides server.addr)")
	_ = cmd.MarkFlagRequired("urls")
}

// newRunCmd creates the 'run' subcommand, which starts a job or continues
// one whose id is given.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch a URL list",
		Long: `Fetches every URL in --urls, checkpointing each outcome and streaming
results to the configured sinks. A new job id is generated unless --job-id
names one. The first SIGINT drains in-flight requests, the second cancels them.`,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			if flags.jobID == "" {
				id, err := uuid.New().NewID()
				if err != nil {
					return err
				}
				flags.jobID = id
			}
			return executeJob(cmd, rt, flags)
		}),
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.jobID, "job-id", "", "job id (generated when empty)")
	return cmd
}

// newResumeCmd creates the 'resume' subcommand. Unlike run it refuses to
// start a job that has no checkpoint.
func newResumeCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted job from its checkpoint",
		Long: `Continues the job named by --job-id, skipping every URL its checkpoint
already records. --urls must list the same URLs in the same order as the
original run.`,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			if _, err := rt.app.Checkpoints().Load(cmd.Context(), flags.jobID); err != nil {
				if errors.Is(err, checkpoint.ErrNotFound) {
					return fmt.Errorf("no checkpoint for job %s; use run to start it", flags.jobID)
				}
				return fmt.Errorf("load checkpoint: %w", err)
			}
			return executeJob(cmd, rt, flags)
		}),
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.jobID, "job-id", "", "job id to resume")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func executeJob(cmd *cobra.Command, rt *runtime, flags runFlags) error {
	ctx := cmd.Context()
	logger := rt.logger.With(zap.String("job_id", flags.jobID))

	urls, err := readURLs(flags.urls, cmd.InOrStdin())
	if err != nil {
		return err
	}
	chunkSize := rt.cfg.Stream.ChunkSize
	if flags.chunkSize > 0 {
		chunkSize = flags.chunkSize
	}

	coord, runner := rt.app.Run()

	addr := rt.cfg.Server.Addr
	if flags.statusAddr != "" {
		addr = flags.statusAddr
	}
	if addr != "" {
		shutdown := serveStatus(addr, rt.app.StatusServer(coord).Handler(), logger)
		defer shutdown()
	}

	done := make(chan struct{})
	defer close(done)
	go watchSignals(done, coord, logger)

	logger.Info("job started", zap.Int("urls", len(urls)), zap.Int("chunk_size", chunkSize))
	summary, runErr := runner.Run(ctx, flags.jobID, urls, chunkSize)
	if summary != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			logger.Warn("write summary failed", zap.Error(err))
		}
	}
	if runErr != nil {
		return fmt.Errorf("job %s: %w", flags.jobID, runErr)
	}
	if coord.Stopped() {
		logger.Info("job stopped before completion; resume with the same job id", zap.String("job_id", flags.jobID))
	}
	return nil
}

// watchSignals stops the coordinator on SIGINT or SIGTERM: the first signal
// drains, the second cancels in-flight work.
func watchSignals(done <-chan struct{}, coord *batch.Coordinator, logger *zap.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	policy := batch.Drain
	for {
		select {
		case <-done:
			return
		case sig := <-sigs:
			logger.Warn("signal received", zap.String("signal", sig.String()), zap.Bool("cancel", policy == batch.Cancel))
			coord.Stop(policy)
			if policy == batch.Cancel {
				return
			}
			policy = batch.Cancel
		}
	}
}

func serveStatus(addr string, handler http.Handler, logger *zap.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown error", zap.Error(err))
		}
	}
}

// readURLs reads one URL per line. Blank lines and lines starting with # are
// skipped; every other line keeps its position, which is the URL's index.
func readURLs(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url list: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var urls []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}
