package fetch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/metrics"
)

// GetterConfig contains the parameters of one fetch request.
type GetterConfig struct {
	Client   Client       // Receives the outcome (required)
	Factory  StateFactory // Builds the first state of each attempt (required)
	URI      string
	Context  *Context
	Priority Priority
	Token    string // Round-robin token; defaults to the request ID

	// ReturnBucket, if set, is where the data must end up.
	ReturnBucket bucket.Bucket
}

// Getter is the orchestrator of one logical fetch request.
//
// At most one ClientState is active at a time. Archive restarts replace it
// wholesale; a terminal outcome clears it. The Client hears exactly one
// OnSuccess or OnFailure, unless the request is cancelled first.
type Getter struct {
	id           string
	uri          string
	client       Client
	factory      StateFactory
	ctx          *Context
	actx         *ArchiveContext
	priority     Priority
	token        string
	returnBucket bucket.Bucket
	blocks       *BlockCounter
	logger       zerolog.Logger

	// mu guards the active state and the lifecycle flags.
	mu        sync.Mutex
	current   ClientState
	finished  bool
	cancelled bool
	started   time.Time

	// eventMu orders progress events against the terminal report, so that
	// no event follows it.
	eventMu  sync.Mutex
	reported bool
}

// NewGetter creates a request. Nothing happens until Start.
func NewGetter(cfg GetterConfig) *Getter {
	ctx := cfg.Context
	if ctx == nil {
		ctx = &Context{}
	}
	id := uuid.NewString()
	token := cfg.Token
	if token == "" {
		token = id
	}

	g := &Getter{
		id:           id,
		uri:          cfg.URI,
		client:       cfg.Client,
		factory:      cfg.Factory,
		ctx:          ctx,
		actx:         NewArchiveContext(),
		priority:     cfg.Priority,
		token:        token,
		returnBucket: cfg.ReturnBucket,
		logger:       log.With().Str("request", id).Str("uri", cfg.URI).Logger(),
	}
	g.blocks = newBlockCounter(g.NotifyClients)
	return g
}

// ID implements Parent.
func (g *Getter) ID() string { return g.id }

// URI implements Parent.
func (g *Getter) URI() string { return g.uri }

// Priority implements Parent.
func (g *Getter) Priority() Priority { return g.priority }

// Token implements Parent.
func (g *Getter) Token() string { return g.token }

// Blocks implements Parent.
func (g *Getter) Blocks() *BlockCounter { return g.blocks }

// IsCancelled implements Parent.
func (g *Getter) IsCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// IsFinished reports whether a terminal outcome was reported or the request
// was cancelled.
func (g *Getter) IsFinished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished || g.cancelled
}

// Restarts returns the number of archive restarts so far.
func (g *Getter) Restarts() int {
	return g.actx.Restarts()
}

// Start creates the first state and schedules it. A malformed key fails with
// InvalidURI; the request is then finished and the Client is not called.
func (g *Getter) Start() error {
	g.mu.Lock()
	if g.started.IsZero() {
		g.started = time.Now()
		if m := metrics.GetFetchMetrics(); m != nil {
			m.FetchesStarted.Inc()
		}
	}
	g.mu.Unlock()

	if err := g.start(); err != nil {
		g.mu.Lock()
		g.finished = true
		g.mu.Unlock()
		g.markReported()
		g.actx.Release()
		g.logger.Info().Err(err).Str("mode", err.Mode.String()).Msg("fetch failed to start")
		g.recordFailure(err)
		return err
	}
	return nil
}

// start builds and installs a new state. It is used for the first attempt
// and for every archive restart.
func (g *Getter) start() *Error {
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return NewError(Cancelled)
	}
	g.mu.Unlock()

	state, err := g.factory.Create(&StateRequest{
		Parent:       g,
		Callback:     g,
		URI:          g.uri,
		Context:      g.ctx,
		Archive:      g.actx,
		MaxRetries:   g.ctx.MaxNonSplitfileRetries,
		ReturnBucket: g.returnBucket,
	})
	if err != nil {
		g.mu.Lock()
		g.current = nil
		g.mu.Unlock()
		return asError(err)
	}
	if state == nil {
		return nil
	}

	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		state.Cancel()
		return NewError(Cancelled)
	}
	g.current = state
	g.mu.Unlock()

	g.logger.Debug().Msg("scheduling fetch state")
	state.Schedule()
	return nil
}

// OnSuccess implements GetCompletionCallback. A callback arriving after
// Cancel is the state settling: the request's unpacked archives are released.
func (g *Getter) OnSuccess(result *Result, state ClientState) {
	g.mu.Lock()
	if g.finished || g.cancelled {
		g.mu.Unlock()
		g.logger.Warn().Msg("ignoring success after request finished")
		if result != nil && result.Bucket != g.returnBucket {
			releaseBucket(result.Bucket)
		}
		g.actx.Release()
		return
	}
	g.finished = true
	g.current = nil
	g.mu.Unlock()

	if result == nil || result.Bucket == nil {
		g.reportFailure(Errorf(InternalError, "fetch state reported success without data"))
		return
	}

	if g.returnBucket != nil && result.Bucket != g.returnBucket {
		from := result.Bucket
		g.logger.Debug().Str("from", from.Name()).Str("to", g.returnBucket.Name()).
			Msg("copying: return bucket not used by fetch state")
		n, err := bucket.Copy(g.returnBucket, from)
		releaseBucket(from)
		if err != nil {
			g.logger.Error().Err(err).Msg("error copying result into return bucket")
			g.reportFailure(WrapError(BucketError, err))
			return
		}
		if m := metrics.GetFetchMetrics(); m != nil {
			m.RecordCopy(n)
		}
		result = result.WithBucket(g.returnBucket)
	} else if g.returnBucket != nil {
		g.logger.Debug().Msg("fetch state returned data in return bucket")
	}

	g.reportSuccess(result)
}

// OnFailure implements GetCompletionCallback. Archive restarts are retried
// up to Context.MaxArchiveRestarts; the budget is shared by every archive the
// request meets. A restart that fails immediately is fed back into the same
// check, so it spends the same budget.
func (g *Getter) OnFailure(err *Error, state ClientState) {
	g.mu.Lock()
	if g.finished || g.cancelled {
		g.mu.Unlock()
		g.logger.Debug().Err(err).Msg("ignoring failure after request finished")
		g.actx.Release()
		return
	}
	g.mu.Unlock()

	for err.Mode == ArchiveRestart {
		restarts := g.actx.Restart()
		if restarts > g.ctx.MaxArchiveRestarts {
			err = &Error{Mode: TooManyArchiveRestarts, Cause: err}
			break
		}
		if m := metrics.GetFetchMetrics(); m != nil {
			m.ArchiveRestarts.Inc()
		}
		g.logger.Debug().Int("restarts", restarts).Msg("restarting fetch after archive change")
		startErr := g.start()
		if startErr == nil {
			return
		}
		err = startErr
	}

	g.mu.Lock()
	if g.finished || g.cancelled {
		g.mu.Unlock()
		g.logger.Debug().Err(err).Msg("request cancelled during restart")
		g.actx.Release()
		return
	}
	g.finished = true
	g.current = nil
	g.mu.Unlock()

	g.reportFailure(err)
}

// OnBlockSetFinished implements GetCompletionCallback.
func (g *Getter) OnBlockSetFinished(state ClientState) {
	g.logger.Debug().Msg("block set finished")
	g.blocks.BlockSetFinalized()
}

// Cancel stops the request. It is idempotent and forwards to the active
// state, if any. Completion callbacks that race with it are dropped.
func (g *Getter) Cancel() {
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return
	}
	g.cancelled = true
	state := g.current
	g.mu.Unlock()

	g.logger.Debug().Msg("cancelling fetch")
	if state != nil {
		state.Cancel()
	}
}

// NotifyClients sends a progress snapshot to the context's event sink. No
// event is sent once a terminal outcome has been reported.
func (g *Getter) NotifyClients() {
	if g.ctx.Events == nil {
		return
	}
	g.eventMu.Lock()
	defer g.eventMu.Unlock()
	if g.reported || g.IsCancelled() {
		return
	}
	g.ctx.Events.Produce(Event{
		RequestID: g.id,
		URI:       g.uri,
		Progress:  g.blocks.Snapshot(),
	})
}

// markReported latches the terminal report, blocking later progress events.
func (g *Getter) markReported() {
	g.eventMu.Lock()
	g.reported = true
	g.eventMu.Unlock()
}

func (g *Getter) reportSuccess(result *Result) {
	g.markReported()
	g.actx.Release()
	g.logger.Info().Int64("size", result.Size()).Str("mime", result.Metadata.MIMEType).Msg("fetch succeeded")
	if m := metrics.GetFetchMetrics(); m != nil {
		m.RecordSuccess(g.elapsed().Seconds())
	}
	g.client.OnSuccess(result, g)
}

func (g *Getter) reportFailure(err *Error) {
	g.markReported()
	g.actx.Release()
	g.logger.Info().Err(err).Str("mode", err.Mode.String()).Msg("fetch failed")
	g.recordFailure(err)
	g.client.OnFailure(err, g)
}

func (g *Getter) recordFailure(err *Error) {
	if m := metrics.GetFetchMetrics(); m != nil {
		m.RecordFailure(err.Mode.String(), g.elapsed().Seconds())
	}
}

func (g *Getter) elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started.IsZero() {
		return 0
	}
	return time.Since(g.started)
}
