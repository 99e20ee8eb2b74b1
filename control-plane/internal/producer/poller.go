// Package producer feeds Jenkins console output into the relay: one task per
// active deploy polls the progressive log and emits each complete line.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"deploy-relay/control-plane/internal/jenkins"
	"deploy-relay/control-plane/internal/logstream"
	"deploy-relay/control-plane/internal/store"
)

// ErrLogUnavailable is reported when the console log made no progress for
// longer than the configured maximum wait.
var ErrLogUnavailable = errors.New("build log unavailable")

var errRelayStopped = errors.New("relay stopped before the build finished")

const relayStage = "relay"

type BuildSource interface {
	BuildNumberFromQueue(ctx context.Context, queueID int64, interval time.Duration) (int64, error)
	ProgressiveLog(ctx context.Context, buildNumber, start int64) (*jenkins.LogChunk, error)
	BuildResult(ctx context.Context, buildNumber int64) (string, error)
}

type StatusRecorder interface {
	SetBuildNumber(ctx context.Context, deployID, buildNumber int64) error
	MarkDeployRunning(ctx context.Context, deployID int64) error
	MarkDeployFinished(ctx context.Context, deployID int64, status string, errorMessage *string) error
}

// Finisher is told when a deploy's log is complete (the archiver).
type Finisher interface {
	Finish(ctx context.Context, deployID int64) (string, error)
}

type Options struct {
	Interval    time.Duration // between polls
	PollTimeout time.Duration // per request
	MaxWait     time.Duration // for the build to start, and between log progress
	Stage       string        // stage label for console lines

	// FinishTimeout bounds recording the final status and archiving the
	// log, including when the poller is stopping.
	FinishTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Minute
	}
	if o.Stage == "" {
		o.Stage = "console"
	}
	if o.FinishTimeout <= 0 {
		o.FinishTimeout = 30 * time.Second
	}
}

type Poller struct {
	source   BuildSource
	sink     logstream.Sink
	status   StatusRecorder
	finisher Finisher
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	active  map[int64]struct{}
	stopped bool
	wg      sync.WaitGroup
}

func New(source BuildSource, sink logstream.Sink, status StatusRecorder, finisher Finisher, opts Options, logger *slog.Logger) *Poller {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		source:   source,
		sink:     sink,
		status:   status,
		finisher: finisher,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[int64]struct{}),
	}
}

// Watch starts polling for deployID's build behind queueID. It returns false
// if the deploy is already watched or the poller is stopped.
func (p *Poller) Watch(deployID, queueID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if _, ok := p.active[deployID]; ok {
		return false
	}
	p.active[deployID] = struct{}{}
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, deployID)
			p.mu.Unlock()
		}()
		p.run(p.ctx, deployID, queueID)
	}()
	return true
}

func (p *Poller) watching(deployID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[deployID]
	return ok
}

// Stop cancels every task and waits for them to return. Deploys still being
// watched are marked failed and their logs archived before Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, deployID, queueID int64) {
	logger := p.logger.With("deploy_id", deployID, "queue_id", queueID)

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.MaxWait)
	buildNumber, err := p.source.BuildNumberFromQueue(waitCtx, queueID, p.opts.Interval)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			p.abandon(ctx, deployID, logger)
			return
		}
		logger.Warn("build did not start", "error", err)
		p.emit(ctx, deployID, relayStage, fmt.Sprintf("build did not start: %v", err))
		p.finish(ctx, deployID, store.StatusFailed, err)
		return
	}

	logger = logger.With("build_number", buildNumber)
	p.record(ctx, "set build number", func(ctx context.Context) error {
		return p.status.SetBuildNumber(ctx, deployID, buildNumber)
	})
	p.record(ctx, "mark running", func(ctx context.Context) error {
		return p.status.MarkDeployRunning(ctx, deployID)
	})
	p.emit(ctx, deployID, relayStage, fmt.Sprintf("build #%d started", buildNumber))

	if err := p.streamConsole(ctx, deployID, buildNumber, logger); err != nil {
		if ctx.Err() != nil {
			p.abandon(ctx, deployID, logger)
			return
		}
		logger.Warn("console streaming stopped", "error", err)
		p.emit(ctx, deployID, relayStage, err.Error())
		p.finish(ctx, deployID, store.StatusFailed, err)
		return
	}

	resultCtx, cancel := context.WithTimeout(ctx, p.opts.PollTimeout)
	result, err := p.source.BuildResult(resultCtx, buildNumber)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			p.abandon(ctx, deployID, logger)
			return
		}
		logger.Warn("could not read build result", "error", err)
	}
	status := StatusFromResult(result)
	p.emit(ctx, deployID, relayStage, fmt.Sprintf("build #%d finished: %s", buildNumber, displayResult(result)))

	var finishErr error
	if status != store.StatusSuccess {
		finishErr = fmt.Errorf("jenkins result %s", displayResult(result))
	}
	p.finish(ctx, deployID, status, finishErr)
	logger.Info("deploy finished", "status", status)
}

// streamConsole polls the progressive log until Jenkins reports no more data.
func (p *Poller) streamConsole(ctx context.Context, deployID, buildNumber int64, logger *slog.Logger) error {
	var (
		start        int64
		pending      string
		lastProgress = time.Now()
	)
	for {
		pollCtx, cancel := context.WithTimeout(ctx, p.opts.PollTimeout)
		chunk, err := p.source.ProgressiveLog(pollCtx, buildNumber, start)
		cancel()

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("progressive log poll failed", "error", err)
		case chunk.NextStart > start || chunk.Text != "":
			lastProgress = time.Now()
			var lines []string
			lines, pending = splitLines(pending + chunk.Text)
			for _, line := range lines {
				p.emit(ctx, deployID, p.opts.Stage, line)
			}
			if chunk.NextStart > start {
				start = chunk.NextStart
			}
		}

		if err == nil && !chunk.MoreData {
			if pending != "" {
				p.emit(ctx, deployID, p.opts.Stage, strings.TrimRight(pending, "\r"))
			}
			return nil
		}
		if time.Since(lastProgress) > p.opts.MaxWait {
			return fmt.Errorf("%w: no progress for %s", ErrLogUnavailable, p.opts.MaxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.Interval):
		}
	}
}

// splitLines returns the complete lines in text and the trailing partial line.
func splitLines(text string) ([]string, string) {
	parts := strings.Split(text, "\n")
	rest := parts[len(parts)-1]
	lines := parts[:len(parts)-1]
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines, rest
}

func (p *Poller) emit(ctx context.Context, deployID int64, stage, msg string) {
	ev := logstream.Event{BuildID: deployID, Stage: stage, Message: msg}
	if err := p.sink.Emit(ctx, ev); err != nil {
		p.logger.Warn("emit console line failed", "deploy_id", deployID, "error", err)
	}
}

// abandon closes out a deploy whose task was cancelled by Stop. The build may
// still be running in Jenkins; the relay just stops following it.
func (p *Poller) abandon(ctx context.Context, deployID int64, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Warn("relay stopped before the build finished")
	p.emit(ctx, deployID, relayStage, errRelayStopped.Error())
	p.finish(ctx, deployID, store.StatusFailed, errRelayStopped)
}

// finish records the final status and archives the log. It is not cut short
// by Stop.
func (p *Poller) finish(ctx context.Context, deployID int64, status string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.FinishTimeout)
	defer cancel()

	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	p.record(ctx, "mark finished", func(ctx context.Context) error {
		return p.status.MarkDeployFinished(ctx, deployID, status, msg)
	})
	if p.finisher != nil {
		if _, err := p.finisher.Finish(ctx, deployID); err != nil {
			p.logger.Warn("archive deploy log failed", "deploy_id", deployID, "error", err)
		}
	}
}

func (p *Poller) record(ctx context.Context, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PollTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.logger.Warn("deploy status update failed", "op", what, "error", err)
	}
}

// StatusFromResult maps a Jenkins build result to a deploy status.
func StatusFromResult(result string) string {
	switch result {
	case "SUCCESS":
		return store.StatusSuccess
	case "ABORTED":
		return store.StatusAborted
	default:
		return store.StatusFailed
	}
}

func displayResult(result string) string {
	if result == "" {
		return "UNKNOWN"
	}
	return result
}
