package replication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Apply handles a FileChange from the primary. The change is applied only
// when it is the next order and the sender's tail agrees with the local
// record at the current counter; anything else starts a recovery in the
// background and reports Recovering.
func (l *Log) Apply(ctx context.Context, change FileChange) (ApplyResult, error) {
	if err := validation.ValidateStruct(change); err != nil {
		return ApplyResult{}, err
	}
	if err := validation.ValidateRelativePath(change.Path); err != nil {
		return ApplyResult{}, err
	}
	if !change.Event.Valid() {
		return ApplyResult{}, fmt.Errorf("replication: invalid event %d", uint8(change.Event))
	}

	if l.recovering.Load() {
		return ApplyResult{Recovering: true, Order: l.Counter()}, nil
	}

	l.mu.Lock()
	if change.Order != l.counter+1 || !l.tailAgreesLocked(change.Tail) {
		counter := l.counter
		l.mu.Unlock()

		l.metrics.ReplicationEntriesTotal.WithLabelValues("rejected").Inc()
		l.logger.Info("out of order change, recovering",
			logging.Order(change.Order),
			logging.Uint64("counter", counter),
			logging.Path(change.Path))
		l.StartRecovery()
		return ApplyResult{Recovering: true, Order: counter}, nil
	}

	var err error
	switch change.Event {
	case filelog.EventUnlink:
		_, err = l.removeFile(change.Path)
	default:
		_, err = l.writeFile(change.Path, change.Content)
	}
	if err != nil {
		l.mu.Unlock()
		return ApplyResult{}, err
	}

	rec := filelog.Record{
		Order:     change.Order,
		Event:     change.Event,
		Path:      change.Path,
		Size:      int64(len(change.Content)),
		Timestamp: l.clock.Now().UnixMilli(),
	}
	// the primary's timestamp wins when the tail carries it
	for _, t := range change.Tail {
		if t.Order == change.Order {
			rec.Timestamp = t.Timestamp
			break
		}
	}
	if err := l.files.Append(rec); err != nil {
		l.mu.Unlock()
		return ApplyResult{}, fmt.Errorf("failed to log applied change: %w", err)
	}
	l.counter = change.Order
	l.mu.Unlock()

	l.metrics.ReplicationEntriesTotal.WithLabelValues("applied").Inc()
	l.metrics.ReplicationOrder.Set(float64(change.Order))
	l.logger.Debug("applied change",
		logging.Order(change.Order),
		logging.String("event", change.Event.String()),
		logging.Path(change.Path))

	return ApplyResult{Applied: true, Order: change.Order}, nil
}

// tailAgreesLocked checks that the sender's record at our counter names the
// same path as ours. An empty local log always agrees.
func (l *Log) tailAgreesLocked(tail []filelog.Record) bool {
	if l.counter == 0 {
		return true
	}
	local, ok := l.files.Get(l.counter)
	if !ok {
		return false
	}
	for _, rec := range tail {
		if rec.Order == l.counter {
			return rec.Path == local.Path
		}
	}
	return false
}
