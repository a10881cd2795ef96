// Package recorder implements the asynchronous session recorder: a bounded
// multi-producer channel fed by Record, drained by one background worker
// that batches events and fans them out to JsonlWriter and/or SqliteWriter.
// Fan-out is ordered batch-then-flush, not pub/sub: every writer sees every
// event in producer order, and a slow writer delays the batch rather than
// silently diverging from its siblings.
package recorder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lunaroute/lunaroute/internal/adapter/metrics"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// Config tunes the recorder's channel capacity and batch discipline,
// mirroring config.RecorderConfig's fields one-to-one.
type Config struct {
	QueueSize  int
	BatchSize  int
	FlushEvery time.Duration
}

// Recorder is the ports.SessionRecorder implementation. Record is
// non-blocking: it either queues the event or drops it with a logged
// warning, and never waits on I/O.
type Recorder struct {
	cfg     Config
	writers []ports.SessionWriter
	log     *logger.StyledLogger

	events  chan domain.SessionEvent
	done    chan struct{}
	wg      sync.WaitGroup

	dropped   atomicCounter
	shutdown  sync.Once
	metrics   *metrics.Registry
}

// SetMetrics attaches the Prometheus registry so dropped events surface on
// /metrics as lunaroute_recording_dropped_total, in addition to the
// internally-logged warning. Optional: a Recorder with no registry attached
// still drops and logs exactly as before.
func (r *Recorder) SetMetrics(registry *metrics.Registry) {
	r.metrics = registry
}

var _ ports.SessionRecorder = (*Recorder)(nil)

// New starts the background worker immediately; call Shutdown to drain and
// stop it.
func New(cfg Config, writers []ports.SessionWriter, log *logger.StyledLogger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 100 * time.Millisecond
	}

	r := &Recorder{
		cfg:     cfg,
		writers: writers,
		log:     log,
		events:  make(chan domain.SessionEvent, cfg.QueueSize),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues event without blocking. If the channel is at capacity the
// event is dropped and a warning counter increments -- the request path must
// never wait on the recorder.
func (r *Recorder) Record(event domain.SessionEvent) {
	if !domain.ValidSessionID(event.SessionID) {
		if r.log != nil {
			r.log.Warn("dropping session event with invalid session_id", "session_id", event.SessionID)
		}
		return
	}

	select {
	case r.events <- event:
	default:
		r.dropped.inc()
		if r.metrics != nil {
			r.metrics.IncRecordingDropped()
		}
		if r.log != nil {
			r.log.Warn("recorder channel full, dropping session event",
				"session_id", event.SessionID,
				"request_id", event.RequestID,
				"type", event.Type,
				"dropped_total", r.dropped.load())
		}
	}
}

// Shutdown signals the worker to stop accepting new batches, drains
// whatever remains in the channel, flushes every writer, and returns once
// the worker has exited or ctx is done.
func (r *Recorder) Shutdown(ctx context.Context) error {
	var err error
	r.shutdown.Do(func() {
		close(r.done)
		waitCh := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// run is the sole consumer of r.events. It accumulates a batch and flushes
// when the batch reaches cfg.BatchSize or cfg.FlushEvery elapses since the
// first buffered event, whichever comes first. On shutdown it drains
// whatever is already queued and flushes a final time.
func (r *Recorder) run() {
	defer r.wg.Done()

	batch := make([]domain.SessionEvent, 0, r.cfg.BatchSize)
	timer := time.NewTimer(r.cfg.FlushEvery)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.writeBatch(batch)
		batch = batch[:0]
	}

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.cfg.FlushEvery)
	}

	for {
		select {
		case event := <-r.events:
			batch = append(batch, event)
			if len(batch) == 1 {
				resetTimer()
			}
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(r.cfg.FlushEvery)
		case <-r.done:
			r.drain(&batch)
			flush()
			return
		}
	}
}

// drain empties whatever is currently queued without blocking, so Shutdown
// does not lose events that were sent right before close(r.done).
func (r *Recorder) drain(batch *[]domain.SessionEvent) {
	for {
		select {
		case event := <-r.events:
			*batch = append(*batch, event)
		default:
			return
		}
	}
}

// writeBatch fans the batch out to every writer concurrently; each writer
// still sees the batch in producer order. Writer failures are logged and
// swallowed -- recording is best-effort and one failing backend must not
// starve its siblings.
func (r *Recorder) writeBatch(batch []domain.SessionEvent) {
	ctx := context.Background()
	var g errgroup.Group
	for _, w := range r.writers {
		g.Go(func() error {
			for _, event := range batch {
				if err := w.WriteEvent(ctx, event); err != nil {
					if r.log != nil {
						r.log.Warn("session writer failed, continuing best-effort",
							"error", err, "session_id", event.SessionID)
					}
					continue
				}
			}
			if err := w.Flush(ctx); err != nil && r.log != nil {
				r.log.Warn("session writer flush failed", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// atomicCounter is a tiny sync.Mutex-backed counter; the recorder's drop
// rate is low-frequency enough that a dedicated atomic type is unwarranted.
type atomicCounter struct {
	mu    sync.Mutex
	count uint64
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
