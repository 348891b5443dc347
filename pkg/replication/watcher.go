package replication

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// temp files written by writeFile
const internalTempMarker = ".cluso-"

type watcher struct {
	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// StartProducing starts watching the shared tree. Only the primary
// produces. Calling it while already producing is a no-op.
func (l *Log) StartProducing(ctx context.Context) error {
	l.prodMu.Lock()
	defer l.prodMu.Unlock()

	if l.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range l.watchRoots() {
		if err := os.MkdirAll(root, 0755); err != nil {
			fw.Close()
			return fmt.Errorf("failed to create watched directory: %w", err)
		}
		if err := l.addRecursive(fw, root); err != nil {
			fw.Close()
			return err
		}
	}

	// Initial scan done. Anything raised during it is not replicated.
	drain(fw)

	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{fs: fw, cancel: cancel, done: make(chan struct{})}
	l.watcher = w
	go l.watchLoop(wctx, w)

	l.logger.Info("watching shared tree",
		logging.String("root", l.cfg.Root),
		logging.Count(len(l.watchRoots())))
	return nil
}

// StopProducing stops the watcher if it is running.
func (l *Log) StopProducing() {
	l.prodMu.Lock()
	w := l.watcher
	l.watcher = nil
	l.prodMu.Unlock()

	if w == nil {
		return
	}
	w.cancel()
	w.fs.Close()
	<-w.done
	l.logger.Info("stopped watching shared tree")
}

func (l *Log) watchRoots() []string {
	if len(l.cfg.Watch) == 0 {
		return []string{l.cfg.Root}
	}
	roots := make([]string, 0, len(l.cfg.Watch))
	for _, w := range l.cfg.Watch {
		roots = append(roots, filepath.Join(l.cfg.Root, filepath.FromSlash(w)))
	}
	return roots
}

func (l *Log) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished while walking
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func drain(fw *fsnotify.Watcher) {
	for {
		select {
		case <-fw.Events:
		default:
			return
		}
	}
}

func (l *Log) watchLoop(ctx context.Context, w *watcher) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			l.handleFSEvent(ctx, w.fs, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			l.logger.Warn("watcher error", logging.Error(err))
		}
	}
}

func (l *Log) ignored(abs string) bool {
	base := filepath.Base(abs)
	if strings.Contains(base, internalTempMarker) {
		return true
	}
	for _, pattern := range l.cfg.Ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (l *Log) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(l.cfg.Root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (l *Log) handleFSEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if l.ignored(ev.Name) {
		l.logger.Debug("ignoring file", logging.Path(ev.Name))
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			l.watchNewDir(ctx, fw, ev.Name)
			return
		}
		l.produce(ctx, filelog.EventAdd, ev.Name)
	case ev.Has(fsnotify.Write):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			return
		}
		l.produce(ctx, filelog.EventChange, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		l.produce(ctx, filelog.EventUnlink, ev.Name)
	}
}

// watchNewDir watches a directory created after the initial scan and
// produces an add for every file that landed in it before the watch.
func (l *Log) watchNewDir(ctx context.Context, fw *fsnotify.Watcher, dir string) {
	if err := l.addRecursive(fw, dir); err != nil {
		l.logger.Warn("failed to watch new directory", logging.Path(dir), logging.Error(err))
		return
	}
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || l.ignored(path) {
			return nil
		}
		l.produce(ctx, filelog.EventAdd, path)
		return nil
	})
}

// produce reads the file, logs the event under the next order and
// broadcasts it to every other member.
func (l *Log) produce(ctx context.Context, event filelog.Event, abs string) {
	rel, ok := l.relative(abs)
	if !ok {
		return
	}

	var content []byte
	if event != filelog.EventUnlink {
		data, err := l.readWithRetry(ctx, abs)
		if err != nil {
			l.metrics.ReplicationDroppedTotal.Inc()
			l.logger.Warn("dropping change, file unreadable",
				logging.Path(rel),
				logging.String("event", event.String()),
				logging.Error(err))
			return
		}
		content = data
	}

	change, err := l.record(event, rel, content)
	if err != nil {
		l.logger.Error("failed to log change", logging.Path(rel), logging.Error(err))
		return
	}
	l.broadcast(ctx, change)
}

// record appends the next entry and returns the change to broadcast.
func (l *Log) record(event filelog.Event, rel string, content []byte) (FileChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := filelog.Record{
		Order:     l.counter + 1,
		Event:     event,
		Path:      rel,
		Size:      int64(len(content)),
		Timestamp: l.clock.Now().UnixMilli(),
	}
	if err := l.files.Append(rec); err != nil {
		return FileChange{}, err
	}
	l.counter = rec.Order

	l.metrics.ReplicationEntriesTotal.WithLabelValues("produced").Inc()
	l.metrics.ReplicationOrder.Set(float64(rec.Order))

	return FileChange{
		Event:   event,
		Path:    rel,
		Content: content,
		Order:   rec.Order,
		Tail:    l.files.Tail(l.cfg.TailSize),
	}, nil
}

func (l *Log) readWithRetry(ctx context.Context, abs string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.ReadRetries; attempt++ {
		data, err := os.ReadFile(abs)
		if err == nil {
			return data, nil
		}
		lastErr = err
		l.logger.Debug("read failed",
			logging.Path(abs),
			logging.Int("attempt", attempt),
			logging.Error(err))
		if attempt == l.cfg.ReadRetries {
			break
		}
		if err := clock.Sleep(ctx, l.clock, l.cfg.ReadRetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", l.cfg.ReadRetries, lastErr)
}

// broadcast sends change to every other member and waits for the replies,
// so changes leave this node in order. Failures are logged only.
func (l *Log) broadcast(ctx context.Context, change FileChange) {
	targets := l.cluster.ReplicaAddrs()
	if len(targets) == 0 {
		return
	}

	msg, err := transport.NewMessage(transport.MsgFileChange, l.cluster.SelfID(), change)
	if err != nil {
		l.logger.Error("failed to encode change", logging.Error(err))
		return
	}

	for r := range transport.Fanout(ctx, l.caller, targets, msg, l.cfg.RPCTimeout) {
		if r.Err != nil {
			l.logger.Warn("failed to send change",
				logging.Peer(r.Addr),
				logging.Order(change.Order),
				logging.Error(r.Err))
			continue
		}
		var res ApplyResult
		if err := r.Reply.Decode(&res); err != nil {
			l.logger.Warn("bad apply reply", logging.Peer(r.Addr), logging.Error(err))
			continue
		}
		l.metrics.ReplicationEntriesTotal.WithLabelValues("sent").Inc()
		if res.Recovering {
			l.logger.Info("peer is recovering",
				logging.Peer(r.Addr),
				logging.Order(change.Order),
				logging.Uint64("peer_order", res.Order))
		}
	}
}
