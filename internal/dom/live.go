package dom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrStale reports that the DOM epoch advanced while work for the previous
// epoch was still running.
var ErrStale = errors.New("dom epoch advanced")

// SnapshotSource captures the current render tree. Implemented by the
// browser driver and by fakes in tests.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Live owns the current Index and the DOM epoch for one page.
//
// Rebuilds are serialized and swapped in atomically; readers load the
// current pointer without locking.
type Live struct {
	source SnapshotSource
	logger *zap.Logger

	buildMu sync.Mutex
	current atomic.Pointer[Index]
	epoch   atomic.Uint64

	mu   sync.Mutex
	done chan struct{} // closed when the epoch advances
}

// NewLive creates a holder that builds indexes from source on demand.
func NewLive(source SnapshotSource, logger *zap.Logger) *Live {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Live{
		source: source,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Epoch returns the current DOM epoch.
func (l *Live) Epoch() uint64 {
	return l.epoch.Load()
}

// Peek returns the published index without building, or nil.
func (l *Live) Peek() *Index {
	ix := l.current.Load()
	if ix == nil || ix.Epoch() != l.Epoch() {
		return nil
	}
	return ix
}

// Current returns the index for the current epoch, building it if the
// previous one was invalidated or belongs to an older epoch.
func (l *Live) Current(ctx context.Context) (*Index, error) {
	if ix := l.Peek(); ix != nil {
		return ix, nil
	}
	return l.build(ctx, false)
}

// Rebuild captures a fresh snapshot and swaps it in even if the current
// index is still valid. Used to await asynchronously rendered elements.
func (l *Live) Rebuild(ctx context.Context) (*Index, error) {
	return l.build(ctx, true)
}

func (l *Live) build(ctx context.Context, force bool) (*Index, error) {
	l.buildMu.Lock()
	defer l.buildMu.Unlock()

	if !force {
		if ix := l.Peek(); ix != nil {
			return ix, nil
		}
	}

	epoch := l.Epoch()
	snap, err := l.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot dom: %w", err)
	}
	ix := Build(snap, epoch)

	// A navigation during the snapshot makes it unusable for the new epoch.
	if l.Epoch() != epoch {
		return nil, ErrStale
	}
	l.current.Store(ix)

	l.logger.Debug("dom index built",
		zap.Uint64("epoch", epoch),
		zap.Int("elements", ix.Len()),
		zap.Duration("took", ix.duration),
		zap.String("url", ix.URL()))
	return ix, nil
}

// Invalidate discards the current index; the next Current call rebuilds.
// The epoch is unchanged, so handles from it stay valid.
func (l *Live) Invalidate() {
	l.current.Store(nil)
}

// Advance moves to a new epoch: the index is discarded and every context
// obtained from EpochContext for the old epoch is cancelled with ErrStale.
func (l *Live) Advance(reason string) uint64 {
	l.mu.Lock()
	next := l.epoch.Add(1)
	close(l.done)
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.current.Store(nil)
	l.logger.Debug("dom epoch advanced", zap.Uint64("epoch", next), zap.String("reason", reason))
	return next
}

// EpochContext derives a context that is cancelled, with cause ErrStale,
// as soon as the epoch moves past the returned one. Callers must call the
// returned cancel function.
func (l *Live) EpochContext(parent context.Context) (context.Context, uint64, context.CancelFunc) {
	l.mu.Lock()
	done := l.done
	epoch := l.epoch.Load()
	l.mu.Unlock()

	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-done:
			cancel(ErrStale)
		case <-ctx.Done():
		}
	}()
	return ctx, epoch, func() { cancel(context.Canceled) }
}

// IsStale reports whether err or the context's cause is an epoch change.
func IsStale(ctx context.Context, err error) bool {
	if errors.Is(err, ErrStale) {
		return true
	}
	return ctx != nil && errors.Is(context.Cause(ctx), ErrStale)
}
