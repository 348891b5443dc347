package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// StartRecovery runs Recover in the background unless one is already
// running. It reports whether a new recovery was started.
func (l *Log) StartRecovery() bool {
	if !l.recovering.CompareAndSwap(false, true) {
		return false
	}

	l.recoveryWG.Add(1)
	go func() {
		defer l.recoveryWG.Done()
		defer l.recovering.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), l.recoveryBudget())
		defer cancel()
		if err := l.recover(ctx); err != nil {
			l.logger.Error("recovery failed", logging.Error(err))
		}
	}()
	return true
}

// Recover synchronously adopts the primary's log and files.
func (l *Log) Recover(ctx context.Context) error {
	if !l.recovering.CompareAndSwap(false, true) {
		return ErrRecovering
	}
	defer l.recovering.Store(false)
	return l.recover(ctx)
}

// recoveryBudget bounds a background recovery: one log fetch plus a file
// fetch per batch for a generously sized log.
func (l *Log) recoveryBudget() time.Duration {
	return 64 * l.cfg.RPCTimeout
}

func (l *Log) recover(ctx context.Context) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		l.metrics.ReplicationRecoveriesTotal.WithLabelValues(result).Inc()
		l.setLastError(err)
	}()

	primary, ok := l.cluster.PrimaryAddr()
	if !ok {
		return ErrNoPrimary
	}
	timer := logging.StartTimer(l.logger, "recovery", logging.Peer(primary))

	records, err := l.fetchLog(ctx, primary)
	if err != nil {
		timer.EndError(err)
		return err
	}

	from := l.resumeFrom(records)
	plan := planRecovery(records, from)
	l.metrics.ReplicationRecoveryFiles.Observe(float64(len(plan)))

	written, err := l.syncFiles(ctx, primary, plan)
	if err != nil {
		timer.EndError(err)
		return err
	}

	l.mu.Lock()
	if err := l.files.Replace(records); err != nil {
		l.mu.Unlock()
		timer.EndError(err)
		return fmt.Errorf("failed to adopt primary log: %w", err)
	}
	l.counter = l.files.LastOrder()
	counter := l.counter
	l.mu.Unlock()

	l.metrics.ReplicationOrder.Set(float64(counter))
	timer.End(
		logging.Uint64("from", from),
		logging.Order(counter),
		logging.Count(len(plan)),
		logging.Int("written", written))
	return nil
}

// resumeFrom returns the order recovery can start at: the local counter
// when the primary's log holds the same change there, otherwise zero so
// every path is synced again.
func (l *Log) resumeFrom(records []filelog.Record) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counter == 0 {
		return 0
	}
	local, ok := l.files.Get(l.counter)
	if !ok {
		return 0
	}
	for _, rec := range records {
		if rec.Order == l.counter {
			if rec.Path == local.Path && rec.Event == local.Event {
				return l.counter
			}
			break
		}
	}
	l.logger.Info("local log diverged from primary, syncing every path",
		logging.Uint64("counter", l.counter))
	return 0
}

// planRecovery keeps records at or after from and, per path, only the
// highest order. The result is sorted by order.
func planRecovery(records []filelog.Record, from uint64) []filelog.Record {
	latest := make(map[string]filelog.Record)
	for _, rec := range records {
		if rec.Order < from {
			continue
		}
		if cur, ok := latest[rec.Path]; !ok || rec.Order > cur.Order {
			latest[rec.Path] = rec
		}
	}

	plan := make([]filelog.Record, 0, len(latest))
	for _, rec := range latest {
		plan = append(plan, rec)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Order < plan[j].Order })
	return plan
}

func (l *Log) fetchLog(ctx context.Context, primary string) ([]filelog.Record, error) {
	msg, err := transport.NewMessage(transport.MsgFetchLog, l.cluster.SelfID(), nil)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	var records []filelog.Record
	if err := transport.Invoke(callCtx, l.caller, primary, msg, &records); err != nil {
		return nil, fmt.Errorf("failed to fetch log from %s: %w", primary, err)
	}
	return records, nil
}

// syncFiles brings each planned path in line with the primary, at most
// FetchBatchSize requests in flight per batch.
func (l *Log) syncFiles(ctx context.Context, primary string, plan []filelog.Record) (int, error) {
	written := 0
	for start := 0; start < len(plan); start += l.cfg.FetchBatchSize {
		end := min(start+l.cfg.FetchBatchSize, len(plan))
		batch := plan[start:end]
		changed := make([]bool, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, rec := range batch {
			i, rec := i, rec
			g.Go(func() error {
				var err error
				changed[i], err = l.syncFile(gctx, primary, rec)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return written, err
		}
		for _, c := range changed {
			if c {
				written++
			}
		}
	}
	return written, nil
}

func (l *Log) syncFile(ctx context.Context, primary string, rec filelog.Record) (bool, error) {
	if rec.Event == filelog.EventUnlink {
		return l.removeFile(rec.Path)
	}

	content, err := l.fetchFile(ctx, primary, rec.Path)
	if err != nil {
		return false, err
	}
	if !content.Exists {
		// deleted on the primary after this record; a later unlink follows
		return l.removeFile(rec.Path)
	}
	return l.writeFile(rec.Path, content.Content)
}

func (l *Log) fetchFile(ctx context.Context, primary, rel string) (FileContent, error) {
	msg, err := transport.NewMessage(transport.MsgFetchFile, l.cluster.SelfID(), FetchFileRequest{Path: rel})
	if err != nil {
		return FileContent{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	var content FileContent
	if err := transport.Invoke(callCtx, l.caller, primary, msg, &content); err != nil {
		return FileContent{}, fmt.Errorf("failed to fetch %s: %w", rel, err)
	}
	if content.Path != "" && content.Path != rel {
		return FileContent{}, errors.New("replication: primary answered for a different path")
	}
	return content, nil
}
