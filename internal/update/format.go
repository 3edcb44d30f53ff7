package update

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
)

// Format constants.
const (
	MagicBytes    = "NSNP"
	FormatVersion = 1
	ChecksumSize  = sha256.Size

	// fixed prefix: magic, version, flags, header length
	prefixSize = 4 + 4 + 4 + 8

	maxHeaderSize = 64 << 20
)

// Flags for the snapshot format.
const (
	FlagHasOptimizer uint32 = 1 << 0 // bit 0: optimizer state included
)

// Snapshot errors.
var (
	// ErrUnknownModelType means the declared or recorded kind is not a known model.
	ErrUnknownModelType = errors.New("unknown model type")

	// ErrKindMismatch means the snapshot holds a different kind than declared.
	ErrKindMismatch = errors.New("model kind mismatch")

	// ErrCorruptSnapshot means the bytes are not a valid snapshot.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// Header is the JSON header of a snapshot.
type Header struct {
	Kind      string     `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	NumParams int        `json:"num_params"`
	Optimizer *opt.State `json:"optimizer,omitempty"`
}

// encodeSnapshot lays out
// magic | version | flags | header len | header | payload len | payload | sha256.
func encodeSnapshot(h Header, payload []byte) ([]byte, error) {
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot header: %w", err)
	}

	var flags uint32
	if h.Optimizer != nil {
		flags |= FlagHasOptimizer
	}

	var buf bytes.Buffer
	buf.Grow(prefixSize + len(headerJSON) + 8 + len(payload) + ChecksumSize)
	buf.WriteString(MagicBytes)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(FormatVersion))
	_ = binary.Write(&buf, binary.LittleEndian, flags)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON)))
	buf.Write(headerJSON)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	buf.Write(payload)

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// decodeSnapshot validates framing and checksum and returns the header and
// model payload. Kind validation is left to the caller.
func decodeSnapshot(data []byte) (*Header, []byte, error) {
	if len(data) < prefixSize+8+ChecksumSize {
		return nil, nil, fmt.Errorf("%w: %d bytes is too short", ErrCorruptSnapshot, len(data))
	}
	if string(data[:4]) != MagicBytes {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, data[:4])
	}

	body := data[:len(data)-ChecksumSize]
	var stored [ChecksumSize]byte
	copy(stored[:], data[len(data)-ChecksumSize:])
	if sha256.Sum256(body) != stored {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptSnapshot, version)
	}
	flags := binary.LittleEndian.Uint32(data[8:12])
	headerLen := binary.LittleEndian.Uint64(data[12:20])
	if headerLen > maxHeaderSize || headerLen > uint64(len(body)-prefixSize-8) {
		return nil, nil, fmt.Errorf("%w: header length %d out of range", ErrCorruptSnapshot, headerLen)
	}

	offset := prefixSize
	var h Header
	if err := json.Unmarshal(body[offset:offset+int(headerLen)], &h); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid header: %w", ErrCorruptSnapshot, err)
	}
	offset += int(headerLen)

	payloadLen := binary.LittleEndian.Uint64(body[offset : offset+8])
	offset += 8
	if payloadLen != uint64(len(body)-offset) {
		return nil, nil, fmt.Errorf("%w: payload length %d, have %d bytes",
			ErrCorruptSnapshot, payloadLen, len(body)-offset)
	}

	if (flags&FlagHasOptimizer != 0) != (h.Optimizer != nil) {
		return nil, nil, fmt.Errorf("%w: optimizer flag disagrees with header", ErrCorruptSnapshot)
	}

	return &h, body[offset:], nil
}

// ReadHeader returns the header of a snapshot without decoding the model.
func ReadHeader(data []byte) (*Header, error) {
	h, _, err := decodeSnapshot(data)
	return h, err
}

// headerKind parses the recorded kind against the closed model set.
func headerKind(h *Header) (model.Kind, error) {
	k, err := model.ParseKind(h.Kind)
	if err != nil {
		return model.KindUnknown, fmt.Errorf("%w: %q", ErrUnknownModelType, h.Kind)
	}
	return k, nil
}
