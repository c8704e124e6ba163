package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/wolfeidau/livepipe/internal/events"
)

const (
	fileMagic   = "LPJRNL01"
	fileVersion = uint32(1)
	headerSize  = 16 // magic(8) + version(4) + reserved(4)

	// length(4) + sequence(8) + status(1) + reserved(3) + timestamp(8) + crc(8)
	recordOverhead = 32
	maxRecordSize  = 10 * 1024 * 1024

	// offset of the status byte from the start of a record
	statusOffset = 12

	RecordPending uint8 = 1
	RecordSent    uint8 = 2
	RecordFailed  uint8 = 3
	// RecordRejected records were refused by the sink and are not resent.
	RecordRejected uint8 = 4
)

// ErrCorruptRecord is returned when a record fails its length or checksum
// validation.
var ErrCorruptRecord = errors.New("corrupt journal record")

// recordMeta is a record's index entry.
type recordMeta struct {
	sequence  int64
	offset    int64
	length    int64
	status    uint8
	timestamp int64
}

func encodeHeader() []byte {
	header := make([]byte, headerSize)
	copy(header[0:8], fileMagic)
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	return header
}

func checkHeader(header []byte) error {
	if len(header) < headerSize {
		return fmt.Errorf("%w: short header", ErrCorruptRecord)
	}
	if magic := string(header[0:8]); magic != fileMagic {
		return fmt.Errorf("invalid journal magic: %q", magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != fileVersion {
		return fmt.Errorf("unsupported journal version: %d", version)
	}
	return nil
}

// encodeRecord builds a binary record. The checksum covers everything after
// the length field except the status byte, so status can be rewritten in
// place once a record is delivered.
//
//	length    uint32  total record length including this field
//	sequence  int64
//	status    uint8
//	reserved  [3]byte
//	timestamp int64   unix milliseconds
//	payload   []byte  JSON encoded event
//	crc       uint64  CRC64-NVME
func encodeRecord(sequence int64, status uint8, ts time.Time, payload []byte) []byte {
	total := recordOverhead + len(payload)
	buf := make([]byte, total)

	//nolint:gosec // bounded by maxRecordSize check in Append
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	//nolint:gosec // sequences are positive
	binary.LittleEndian.PutUint64(buf[4:12], uint64(sequence))
	buf[statusOffset] = status
	//nolint:gosec // timestamps are positive
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ts.UnixMilli()))
	copy(buf[24:], payload)

	binary.LittleEndian.PutUint64(buf[total-8:], checksum(buf[4:total-8]))

	return buf
}

// checksum hashes a record body (without length and crc), skipping status.
func checksum(body []byte) uint64 {
	h := crc64nvme.New()
	h.Write(body[0:8])
	h.Write(body[9:])
	return h.Sum64()
}

// decodeBody validates a record body (everything after the length field)
// and returns its metadata and payload.
func decodeBody(body []byte) (recordMeta, []byte, error) {
	if len(body) < recordOverhead-4 {
		return recordMeta{}, nil, fmt.Errorf("%w: short record", ErrCorruptRecord)
	}

	stored := binary.LittleEndian.Uint64(body[len(body)-8:])
	computed := checksum(body[:len(body)-8])
	if stored != computed {
		return recordMeta{}, nil, fmt.Errorf("%w: crc mismatch stored=%x computed=%x", ErrCorruptRecord, stored, computed)
	}

	meta := recordMeta{
		//nolint:gosec // written from a positive int64
		sequence: int64(binary.LittleEndian.Uint64(body[0:8])),
		status:   body[8],
		//nolint:gosec // written from a positive int64
		timestamp: int64(binary.LittleEndian.Uint64(body[12:20])),
		length:    int64(len(body) + 4),
	}

	return meta, body[20 : len(body)-8], nil
}

func validLength(length uint32) bool {
	return length >= recordOverhead && length <= maxRecordSize
}

func decodeEvent(payload []byte) (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// readRecordAt reads and validates the record at offset without moving the
// file position.
func readRecordAt(r io.ReaderAt, offset int64) (*events.Event, error) {
	var lenBuf [4]byte
	if _, err := r.ReadAt(lenBuf[:], offset); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if !validLength(length) {
		return nil, fmt.Errorf("%w: invalid length %d", ErrCorruptRecord, length)
	}

	body := make([]byte, length-4)
	if _, err := r.ReadAt(body, offset+4); err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	_, payload, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	return decodeEvent(payload)
}

// decodeStream reads a whole journal from r. On a corrupt or truncated
// record it returns the events read so far with an error wrapping
// ErrCorruptRecord.
func decodeStream(r io.Reader) ([]*events.Event, error) {
	br := bufio.NewReader(r)

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	var out []*events.Event
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%w: truncated length: %w", ErrCorruptRecord, err)
		}

		length := binary.LittleEndian.Uint32(lenBuf[:])
		if !validLength(length) {
			return out, fmt.Errorf("%w: invalid length %d", ErrCorruptRecord, length)
		}

		body := make([]byte, length-4)
		if _, err := io.ReadFull(br, body); err != nil {
			return out, fmt.Errorf("%w: truncated record: %w", ErrCorruptRecord, err)
		}

		_, payload, err := decodeBody(body)
		if err != nil {
			return out, err
		}

		ev, err := decodeEvent(payload)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
