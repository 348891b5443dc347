package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ReadAll returns every event in the journal file at path
func ReadAll(path string) ([]Event, error) {
	var events []Event
	err := scan(path, func(line int, ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

// Verify walks the journal at path and checks the hash chain. It returns
// the number of intact events; a broken chain wraps ErrTampered.
func Verify(path string) (int, error) {
	count := 0
	previous := ""
	var seq uint64
	err := scan(path, func(line int, ev Event) error {
		if ev.PreviousHash != previous {
			return fmt.Errorf("%w: line %d: chain broken (want previous %s, got %s)", ErrTampered, line, previous, ev.PreviousHash)
		}
		if ev.Seq != seq+1 {
			return fmt.Errorf("%w: line %d: sequence %d after %d", ErrTampered, line, ev.Seq, seq)
		}
		hash, err := hashEvent(ev)
		if err != nil {
			return err
		}
		if hash != ev.EventHash {
			return fmt.Errorf("%w: line %d: event hash mismatch", ErrTampered, line)
		}
		previous, seq = ev.EventHash, ev.Seq
		count++
		return nil
	})
	return count, err
}

func lastEvent(path string) (Event, error) {
	var last Event
	err := scan(path, func(line int, ev Event) error {
		last = ev
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return Event{}, nil
	}
	return last, err
}

func scan(path string, fn func(line int, ev Event) error) (retErr error) {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close journal: %w", closeErr)
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("line %d: failed to parse event: %w", line, err)
		}
		if err := fn(line, ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}
