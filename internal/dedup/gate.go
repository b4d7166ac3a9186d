// Package dedup decides whether a candidate event from a watcher is new
// before it is allowed to reach delivery. One persisted watermark per
// source identity; the novelty decision and the watermark advance are a
// single atomic unit per source key.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/metrics"
)

// WatermarkStore is the persistence contract the gate needs. Implemented
// by db.WatermarkRepository.
type WatermarkStore interface {
	Get(ctx context.Context, sourceKey string) (string, bool, error)
	InsertBaseline(ctx context.Context, sourceKey, value string) (bool, error)
	CompareAndSwap(ctx context.Context, sourceKey, old, new string) (bool, error)
}

// LiveStatus is the tri-state for continuously polled live sources.
type LiveStatus string

const (
	LiveOffline LiveStatus = "offline"
	LivePublic  LiveStatus = "live"
	LivePrivate LiveStatus = "private"
)

// LiveState is the observed broadcast state of a live source.
// BroadcastID is only meaningful for LivePublic.
type LiveState struct {
	Status      LiveStatus
	BroadcastID string
}

func (s LiveState) encode() string {
	if s.Status == LivePublic {
		return string(LivePublic) + ":" + s.BroadcastID
	}
	return string(s.Status)
}

// Gate is the per-source novelty check. Same-process polls of one source
// serialize on a keyed mutex; the store's compare-and-swap guards
// against anything the mutex cannot see.
type Gate struct {
	store  WatermarkStore
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate creates a dedup gate over the given watermark store.
func NewGate(store WatermarkStore, logger *zap.Logger) *Gate {
	return &Gate{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (g *Gate) lockFor(sourceKey string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.locks[sourceKey]
	if !ok {
		l = &sync.Mutex{}
		g.locks[sourceKey] = l
	}
	return l
}

// IsNewID reports whether a numeric candidate is new for the source:
// new iff strictly greater than the stored watermark. The first-ever
// observation records a baseline without triggering delivery. Storage
// errors fail closed: not new, error surfaced, next poll self-heals.
func (g *Gate) IsNewID(ctx context.Context, sourceKey string, candidateID int64) (bool, error) {
	l := g.lockFor(sourceKey)
	l.Lock()
	defer l.Unlock()

	candidate := strconv.FormatInt(candidateID, 10)

	stored, found, err := g.store.Get(ctx, sourceKey)
	if err != nil {
		metrics.RecordDedupDecision("error")
		return false, g.failClosed(sourceKey, err)
	}

	if !found {
		if _, err := g.store.InsertBaseline(ctx, sourceKey, candidate); err != nil {
			metrics.RecordDedupDecision("error")
			return false, g.failClosed(sourceKey, err)
		}
		g.logger.Info("watermark baselined",
			zap.String("source_key", sourceKey),
			zap.String("candidate", candidate),
		)
		metrics.RecordDedupDecision("baseline")
		return false, nil
	}

	lastSeen, err := strconv.ParseInt(stored, 10, 64)
	if err != nil {
		metrics.RecordDedupDecision("error")
		return false, fmt.Errorf("corrupt watermark for %s: %w", sourceKey, err)
	}

	if candidateID <= lastSeen {
		metrics.RecordDedupDecision("seen")
		return false, nil
	}

	swapped, err := g.store.CompareAndSwap(ctx, sourceKey, stored, candidate)
	if err != nil {
		metrics.RecordDedupDecision("error")
		return false, g.failClosed(sourceKey, err)
	}
	if !swapped {
		// A concurrent poll advanced the watermark under us; the other
		// caller owns the notification.
		metrics.RecordDedupDecision("seen")
		return false, nil
	}

	metrics.RecordDedupDecision("new")
	return true, nil
}

// IsNewLiveState reports whether an observed live status is a notifiable
// transition for the source. Any change of stored state is recorded, but
// only transitions into a live or private broadcast notify; returning to
// offline updates the watermark silently. A new broadcast ID under the
// same "live" label counts as a fresh transition.
func (g *Gate) IsNewLiveState(ctx context.Context, sourceKey string, state LiveState) (bool, error) {
	l := g.lockFor(sourceKey)
	l.Lock()
	defer l.Unlock()

	candidate := state.encode()

	stored, found, err := g.store.Get(ctx, sourceKey)
	if err != nil {
		metrics.RecordDedupDecision("error")
		return false, g.failClosed(sourceKey, err)
	}

	if !found {
		if _, err := g.store.InsertBaseline(ctx, sourceKey, candidate); err != nil {
			metrics.RecordDedupDecision("error")
			return false, g.failClosed(sourceKey, err)
		}
		g.logger.Info("watermark baselined",
			zap.String("source_key", sourceKey),
			zap.String("candidate", candidate),
		)
		metrics.RecordDedupDecision("baseline")
		return false, nil
	}

	if stored == candidate {
		metrics.RecordDedupDecision("seen")
		return false, nil
	}

	swapped, err := g.store.CompareAndSwap(ctx, sourceKey, stored, candidate)
	if err != nil {
		metrics.RecordDedupDecision("error")
		return false, g.failClosed(sourceKey, err)
	}
	if !swapped {
		metrics.RecordDedupDecision("seen")
		return false, nil
	}

	if state.Status == LiveOffline {
		// Broadcast ended: record it, never notify.
		metrics.RecordDedupDecision("seen")
		return false, nil
	}

	metrics.RecordDedupDecision("new")
	return true, nil
}

func (g *Gate) failClosed(sourceKey string, err error) error {
	g.logger.Error("dedup gate storage failure, treating candidate as not new",
		zap.String("source_key", sourceKey),
		zap.Error(err),
	)
	return fmt.Errorf("dedup gate %s: %w", sourceKey, err)
}
