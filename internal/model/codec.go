package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// maxDescriptorSize bounds the JSON descriptor read from untrusted input.
const maxDescriptorSize = 1 << 20

// encodeModel writes a JSON architecture descriptor followed by the raw
// parameter vector (little-endian float64).
//
// Layout: uint32 descriptor length | descriptor | uint64 param count | params
func encodeModel(descriptor any, params []float64) ([]byte, error) {
	desc, err := json.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(4 + len(desc) + 8 + 8*len(params))

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(desc))); err != nil {
		return nil, fmt.Errorf("failed to write descriptor size: %w", err)
	}
	buf.Write(desc)

	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(params))); err != nil {
		return nil, fmt.Errorf("failed to write param count: %w", err)
	}
	var word [8]byte
	for _, p := range params {
		binary.LittleEndian.PutUint64(word[:], math.Float64bits(p))
		buf.Write(word[:])
	}

	return buf.Bytes(), nil
}

// decodeModel is the inverse of encodeModel. The descriptor is unmarshaled
// into descriptor; the parameters are returned.
func decodeModel(data []byte, descriptor any) ([]float64, error) {
	r := bytes.NewReader(data)

	var descLen uint32
	if err := binary.Read(r, binary.LittleEndian, &descLen); err != nil {
		return nil, fmt.Errorf("failed to read descriptor size: %w", err)
	}
	if descLen > maxDescriptorSize || int(descLen) > r.Len() {
		return nil, fmt.Errorf("descriptor size %d out of range", descLen)
	}

	desc := make([]byte, descLen)
	if _, err := io.ReadFull(r, desc); err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	if err := json.Unmarshal(desc, descriptor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read param count: %w", err)
	}
	if count*8 != uint64(r.Len()) {
		return nil, fmt.Errorf("param count %d does not match payload of %d bytes", count, r.Len())
	}

	params := make([]float64, count)
	var word [8]byte
	for i := range params {
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return nil, fmt.Errorf("failed to read param %d: %w", i, err)
		}
		params[i] = math.Float64frombits(binary.LittleEndian.Uint64(word[:]))
	}

	return params, nil
}
