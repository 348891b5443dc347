package filelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Open opens or creates the log in dir and replays it. A torn trailing
// frame left by a crash mid-write is truncated away.
func Open(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	records, offset, err := readAll(file)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		if err := file.Truncate(offset); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate torn record: %w", err)
		}
	case err != nil:
		file.Close()
		return nil, fmt.Errorf("failed to replay log: %w", err)
	}
	if err := checkContiguous(records); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}

	return &FileLog{
		dir:     dir,
		file:    file,
		writer:  bufio.NewWriter(file),
		records: records,
	}, nil
}

// Append durably appends rec. rec.Order must be exactly LastOrder()+1.
// A zero Timestamp is filled with the current time.
func (l *FileLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if want := l.lastLocked() + 1; rec.Order != want {
		return fmt.Errorf("%w: got %d, want %d", ErrOrderGap, rec.Order, want)
	}
	if !rec.Event.Valid() {
		return fmt.Errorf("filelog: invalid event %d", uint8(rec.Event))
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	if err := writeRecord(l.writer, rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}

	l.records = append(l.records, rec)
	return nil
}

// Replace atomically swaps the whole log for records, which must be
// contiguous. Used when a follower adopts the primary's log.
func (l *FileLog) Replace(records []Record) error {
	if err := checkContiguous(records); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	path := filepath.Join(l.dir, FileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create replacement log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		if err := writeRecord(w, rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write replacement log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to install replacement log: %w", err)
	}

	l.file.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		l.closed = true
		return err
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.records = append([]Record(nil), records...)
	return nil
}

// ReadAll returns a copy of every record in order.
func (l *FileLog) ReadAll() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.records...)
}

// Since returns records with Order >= from.
func (l *FileLog) Since(from uint64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, rec := range l.records {
		if rec.Order >= from {
			return append([]Record(nil), l.records[i:]...)
		}
	}
	return nil
}

// Tail returns the last n records.
func (l *FileLog) Tail(n int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > len(l.records) {
		n = len(l.records)
	}
	return append([]Record(nil), l.records[len(l.records)-n:]...)
}

// Get returns the record with the given order.
func (l *FileLog) Get(order uint64) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.records) == 0 {
		return Record{}, false
	}
	first := l.records[0].Order
	if order < first || order > l.lastLocked() {
		return Record{}, false
	}
	return l.records[order-first], true
}

// LastOrder returns the highest order in the log, or 0 when empty.
func (l *FileLog) LastOrder() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked()
}

// Len returns the number of records.
func (l *FileLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *FileLog) lastLocked() uint64 {
	if len(l.records) == 0 {
		return 0
	}
	return l.records[len(l.records)-1].Order
}

// Close flushes and closes the log file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
