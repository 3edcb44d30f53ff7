// Package model defines the trainable models the optimizer works on.
//
// A Model owns a flat parameter vector and can evaluate its score (loss) and
// gradient at an arbitrary point without mutating itself. Parameters change
// only through SetParams, which the optimizer calls with accepted steps.
//
// The set of models is closed: every Kind has a constructor in New so that a
// serialized model can be rebuilt from its tag alone.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a concrete model variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNetwork
	KindQuadratic
)

// ErrUnknownKind is returned when a kind tag is not part of the closed set.
var ErrUnknownKind = errors.New("unknown model kind")

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindQuadratic:
		return "quadratic"
	default:
		return "unknown"
	}
}

// Valid reports whether k names a constructible model.
func (k Kind) Valid() bool {
	return k == KindNetwork || k == KindQuadratic
}

// ParseKind converts a kind name back to its tag.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network":
		return KindNetwork, nil
	case "quadratic":
		return KindQuadratic, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Model is a trainable function of a flat parameter vector.
type Model interface {
	// Kind returns the variant tag used for reconstruction.
	Kind() Kind

	// Init allocates the parameter vector and initializes it deterministically.
	Init() error

	// NumParams returns the fixed length of the parameter vector.
	NumParams() int

	// Params returns a copy of the current parameters.
	Params() []float64

	// SetParams replaces the current parameters with a copy of params.
	SetParams(params []float64) error

	// Score evaluates the loss at params over data.
	Score(params []float64, data *Dataset) float64

	// Gradient evaluates the loss and its gradient at params over data.
	Gradient(params []float64, data *Dataset) (float64, []float64)

	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// New returns a fresh, empty instance of the given kind, ready to be
// populated by UnmarshalBinary.
func New(kind Kind) (Model, error) {
	switch kind {
	case KindNetwork:
		return &Network{}, nil
	case KindQuadratic:
		return &Quadratic{}, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownKind, uint8(kind))
	}
}

// checkLength panics on a parameter vector of the wrong size; this is a
// programming error, not a data error.
func checkLength(m Model, params []float64) {
	if len(params) != m.NumParams() {
		panic(fmt.Sprintf("model: parameter length mismatch: got %d, want %d", len(params), m.NumParams()))
	}
}
