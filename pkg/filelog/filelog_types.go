package filelog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
)

// FileName is the log file inside the data directory.
const FileName = "filelog.dat"

var (
	// ErrOrderGap is returned when an appended record does not directly follow the last one.
	ErrOrderGap = errors.New("filelog: order gap")
	// ErrCorrupt is returned when a frame fails its checksum or cannot be decoded.
	ErrCorrupt = errors.New("filelog: corrupt record")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("filelog: closed")
)

// Event is the kind of filesystem change a record describes.
type Event uint8

const (
	EventAdd Event = iota + 1
	EventChange
	EventUnlink
)

func (e Event) String() string {
	switch e {
	case EventAdd:
		return "add"
	case EventChange:
		return "change"
	case EventUnlink:
		return "unlink"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// MarshalText encodes the event by name so logs and RPC payloads stay readable.
func (e Event) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("filelog: invalid event %d", uint8(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText parses an event name.
func (e *Event) UnmarshalText(b []byte) error {
	ev, err := ParseEvent(string(b))
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	return e >= EventAdd && e <= EventUnlink
}

// ParseEvent parses "add", "change" or "unlink".
func ParseEvent(s string) (Event, error) {
	switch s {
	case "add":
		return EventAdd, nil
	case "change":
		return EventChange, nil
	case "unlink":
		return EventUnlink, nil
	}
	return 0, fmt.Errorf("filelog: unknown event %q", s)
}

// Record is one ordered entry of the replicated change log. Content is not
// stored; recovery fetches it from the primary's filesystem.
type Record struct {
	Order     uint64 `json:"order"`
	Event     Event  `json:"event"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

// FileLog is a durable, strictly contiguous sequence of Records with
// snappy-compressed payloads.
type FileLog struct {
	dir     string
	file    *os.File
	writer  *bufio.Writer
	records []Record
	closed  bool
	mu      sync.RWMutex
}
