package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Kind identifies the payload schema of an artifact.
type Kind byte

const (
	// KindHistory is a serialized history.History
	KindHistory Kind = 1

	// KindAnnotation is a serialized history.Annotation
	KindAnnotation Kind = 2
)

const (
	// FormatVersion is the only version this package reads and writes
	FormatVersion = 1

	// FrameHeaderSize is the fixed size of the frame header
	// Layout: Magic(4) + Version(1) + Kind(1) + Reserved(2) + PayloadLen(4)
	FrameHeaderSize = 12

	// maxPayload guards allocations when reading hostile input
	maxPayload = 1 << 30
)

var magic = [4]byte{'H', 'C', 'A', 'F'}

func (k Kind) String() string {
	switch k {
	case KindHistory:
		return "history"
	case KindAnnotation:
		return "annotation"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// encodeFrame wraps payload with header and CRC32.
// Format: [Header(12)] [Payload] [CRC32(4)]
func encodeFrame(kind Kind, payload []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(payload)+4)

	copy(buf[0:4], magic[:])
	buf[4] = FormatVersion
	buf[5] = byte(kind)
	// bytes 6-7 are reserved
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))

	offset := FrameHeaderSize
	copy(buf[offset:], payload)
	offset += len(payload)

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// decodeFrame validates a frame and returns its payload.
func decodeFrame(kind Kind, data []byte) ([]byte, error) {
	if len(data) < FrameHeaderSize+4 {
		return nil, ErrTruncated
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, ErrBadMagic
	}

	payloadLen := binary.LittleEndian.Uint32(data[8:12])
	expected := FrameHeaderSize + int(payloadLen) + 4
	if len(data) < expected {
		return nil, ErrTruncated
	}
	if len(data) > expected {
		return nil, fmt.Errorf("%w: %d bytes after frame", ErrCorrupted, len(data)-expected)
	}

	storedCRC := binary.LittleEndian.Uint32(data[expected-4:])
	if crc32.ChecksumIEEE(data[:expected-4]) != storedCRC {
		return nil, ErrCorrupted
	}

	if data[4] != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[4])
	}
	if Kind(data[5]) != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, Kind(data[5]), kind)
	}

	return data[FrameHeaderSize : expected-4], nil
}

// writeArtifact frames and compresses payload into w.
func writeArtifact(w io.Writer, kind Kind, payload []byte) error {
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(encodeFrame(kind, payload)); err != nil {
		_ = zw.Close()
		return fmt.Errorf("compress %s: %w", kind, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", kind, err)
	}
	return nil
}

// readArtifact decompresses and validates an artifact of kind.
func readArtifact(r io.Reader, kind Kind) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, maxPayload+FrameHeaderSize+5))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(data) > maxPayload+FrameHeaderSize+4 {
		return nil, fmt.Errorf("%w: artifact too large", ErrCorrupted)
	}
	return decodeFrame(kind, data)
}
