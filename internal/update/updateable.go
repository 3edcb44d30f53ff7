// Package update wraps a model in a serializable container so its
// parameters can be shipped between a master and its workers and restored
// into a fresh instance on the other side.
package update

import (
	"fmt"
	"time"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
)

// Updateable holds one model of a declared kind and optionally the
// optimizer state that goes with it. Not safe for concurrent use.
type Updateable struct {
	kind  model.Kind
	model model.Model
	state *opt.State
}

// New wraps m and declares its kind.
func New(m model.Model) *Updateable {
	u := &Updateable{model: m}
	if m != nil {
		u.kind = m.Kind()
	}
	return u
}

// NewEmpty declares kind without an instance; FromBytes constructs one.
func NewEmpty(kind model.Kind) *Updateable {
	return &Updateable{kind: kind}
}

// Kind returns the declared model kind.
func (u *Updateable) Kind() model.Kind {
	return u.kind
}

// Get returns the wrapped model, nil when empty.
func (u *Updateable) Get() model.Model {
	return u.model
}

// Set replaces the wrapped model. The declared kind follows m.
func (u *Updateable) Set(m model.Model) {
	u.model = m
	if m != nil {
		u.kind = m.Kind()
	}
}

// SetOptimizerState attaches optimizer memory to be serialized with the model.
func (u *Updateable) SetOptimizerState(s *opt.State) {
	u.state = s
}

// OptimizerState returns the attached optimizer memory, nil if none.
func (u *Updateable) OptimizerState() *opt.State {
	return u.state
}

// ToBytes serializes the model and any attached optimizer state.
func (u *Updateable) ToBytes() ([]byte, error) {
	if u.model == nil {
		return nil, fmt.Errorf("cannot serialize empty %s container", u.kind)
	}
	if !u.kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModelType, u.kind)
	}

	payload, err := u.model.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s model: %w", u.kind, err)
	}

	return encodeSnapshot(Header{
		Kind:      u.kind.String(),
		CreatedAt: time.Now().UTC(),
		NumParams: u.model.NumParams(),
		Optimizer: u.state,
	}, payload)
}

// FromBytes decodes a snapshot of the declared kind into a fresh instance
// and replaces the wrapped model with it. On error the container is unchanged.
func (u *Updateable) FromBytes(data []byte) error {
	if !u.kind.Valid() {
		return fmt.Errorf("%w: container declares no model type", ErrUnknownModelType)
	}

	h, payload, err := decodeSnapshot(data)
	if err != nil {
		return err
	}

	kind, err := headerKind(h)
	if err != nil {
		return err
	}
	if kind != u.kind {
		return fmt.Errorf("%w: snapshot holds %s, container declares %s", ErrKindMismatch, kind, u.kind)
	}

	m, err := model.New(kind)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownModelType, err)
	}
	if err := m.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if m.NumParams() != h.NumParams {
		return fmt.Errorf("%w: header declares %d params, model has %d",
			ErrCorruptSnapshot, h.NumParams, m.NumParams())
	}

	u.model = m
	u.state = h.Optimizer
	return nil
}
