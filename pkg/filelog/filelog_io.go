package filelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// frame layout: [Order:8][Event:1][Len:4][Payload:N][Checksum:4][Timestamp:8]
// payload (snappy): [Size:8][Path...]
const frameOverhead = 8 + 1 + 4 + 4 + 8

func encodePayload(rec Record) []byte {
	raw := make([]byte, 8+len(rec.Path))
	binary.BigEndian.PutUint64(raw, uint64(rec.Size))
	copy(raw[8:], rec.Path)
	return snappy.Encode(nil, raw)
}

func writeRecord(w *bufio.Writer, rec Record) error {
	payload := encodePayload(rec)

	var hdr [13]byte
	binary.BigEndian.PutUint64(hdr[0:8], rec.Order)
	hdr[8] = byte(rec.Event)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}

	var trailer [12]byte
	binary.BigEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(trailer[4:12], uint64(rec.Timestamp))
	_, err := w.Write(trailer[:])
	return err
}

// readRecord decodes one frame. It returns io.EOF on a clean end and
// io.ErrUnexpectedEOF on a torn trailing frame.
func readRecord(r *bufio.Reader) (Record, int64, error) {
	var rec Record

	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rec, 0, err
	}
	rec.Order = binary.BigEndian.Uint64(hdr[0:8])
	rec.Event = Event(hdr[8])
	n := binary.BigEndian.Uint32(hdr[9:13])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return rec, 0, torn(err)
	}

	var trailer [12]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return rec, 0, torn(err)
	}
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(trailer[0:4]) {
		return rec, 0, fmt.Errorf("%w: checksum mismatch at order %d", ErrCorrupt, rec.Order)
	}
	rec.Timestamp = int64(binary.BigEndian.Uint64(trailer[4:12]))

	raw, err := snappy.Decode(nil, payload)
	if err != nil || len(raw) < 8 {
		return rec, 0, fmt.Errorf("%w: bad payload at order %d", ErrCorrupt, rec.Order)
	}
	rec.Size = int64(binary.BigEndian.Uint64(raw[0:8]))
	rec.Path = string(raw[8:])
	if !rec.Event.Valid() {
		return rec, 0, fmt.Errorf("%w: unknown event %d at order %d", ErrCorrupt, uint8(rec.Event), rec.Order)
	}

	return rec, int64(frameOverhead) + int64(n), nil
}

func torn(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// readAll decodes frames until EOF. On a torn tail it returns the records
// decoded so far, the offset of the last complete frame and io.ErrUnexpectedEOF.
func readAll(r io.Reader) ([]Record, int64, error) {
	br := bufio.NewReader(r)
	var (
		records []Record
		offset  int64
	)
	for {
		rec, n, err := readRecord(br)
		if err == io.EOF {
			return records, offset, nil
		}
		if err != nil {
			return records, offset, err
		}
		records = append(records, rec)
		offset += n
	}
}

func checkContiguous(records []Record) error {
	for i := 1; i < len(records); i++ {
		if records[i].Order != records[i-1].Order+1 {
			return fmt.Errorf("%w: %d follows %d", ErrOrderGap, records[i].Order, records[i-1].Order)
		}
	}
	return nil
}
