// Package logger implements a non-blocking, batched routing-decision logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — so logging never blocks the routing hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in Dropped().
//
// Batches go to ClickHouse when a sink is attached, with slog as the
// fallback destination either way.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// RouteLog is one routing decision: which provider served (or failed) a
// request and at what cost.
type RouteLog struct {
	ID           uuid.UUID
	RequestID    string
	Provider     string
	Model        string
	Region       string
	Code         string
	Fallbacks    uint8
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. *ClickHouseSink implements it.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RouteLog) error
}

// Logger buffers RouteLog entries and flushes them in the background.
type Logger struct {
	ch        chan RouteLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	batchSize     int
	flushInterval time.Duration

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink attaches a batch destination (ClickHouse in production).
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

// WithBatchSize overrides the flush batch size.
func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval overrides the maximum time a batch waits before flushing.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:            make(chan RouteLog, channelBuffer),
		done:          make(chan struct{}),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		baseCtx:       ctx,
		log:           slogger,
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one decision. Never blocks; drops when the buffer is full.
func (l *Logger) Log(entry RouteLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of entries discarded due to a full buffer.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains remaining entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]RouteLog, 0, l.batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}

		if l.sink != nil {
			if err := l.sink.WriteBatch(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "route_log_sink_failed",
					slog.Int("batch", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}

		for _, e := range batch {
			l.log.InfoContext(ctx, "route",
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("region", e.Region),
				slog.String("code", e.Code),
				slog.Uint64("fallbacks", uint64(e.Fallbacks)),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cached", e.Cached),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= l.batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
