// Package crdt provides the conflict-free replicated document the
// merge engine applies remote updates through. The merge engine only
// depends on the Document contract; LWWDocument is the concrete type
// wired in by the process.
package crdt

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Document is the black-box conflict-free document contract: apply a
// binary update, read back the canonical binary state, and derive the
// attribute snapshot. Merges must be commutative, associative, and
// idempotent.
type Document interface {
	ApplyUpdate(update []byte) error
	State() []byte
	Attributes() (json.RawMessage, error)
}

// register is one last-writer-wins cell. Ties on Ts are broken by the
// lexicographically larger Actor so concurrent replicas converge.
type register struct {
	Value json.RawMessage `json:"value"`
	Ts    uint64          `json:"ts"`
	Actor string          `json:"actor"`
}

func (r register) beats(other register) bool {
	if r.Ts != other.Ts {
		return r.Ts > other.Ts
	}
	return r.Actor > other.Actor
}

// LWWDocument is a map of attribute name to LWW register. Both the
// document state and updates share the same encoding: a JSON object
// of registers, so applying a full remote state and applying a
// single-attribute delta go through the same merge.
type LWWDocument struct {
	regs map[string]register
}

// NewLWWDocument returns an empty document.
func NewLWWDocument() *LWWDocument {
	return &LWWDocument{regs: make(map[string]register)}
}

// FromState decodes a stored binary state. A nil or empty state
// yields an empty document.
func FromState(state []byte) (*LWWDocument, error) {
	d := NewLWWDocument()
	if len(state) == 0 {
		return d, nil
	}

	if err := json.Unmarshal(state, &d.regs); err != nil {
		return nil, fmt.Errorf("decoding document state: %w", err)
	}

	return d, nil
}

// ApplyUpdate merges an update into the document. Each incoming
// register wins only if it beats the stored one, so applying the same
// update twice, or two updates in either order, converges.
func (d *LWWDocument) ApplyUpdate(update []byte) error {
	var incoming map[string]register
	if err := json.Unmarshal(update, &incoming); err != nil {
		return fmt.Errorf("decoding document update: %w", err)
	}

	for attr, in := range incoming {
		cur, ok := d.regs[attr]
		if !ok || in.beats(cur) {
			d.regs[attr] = in
		}
	}

	return nil
}

// State returns the canonical binary state. json.Marshal emits map
// keys in sorted order, so equal documents encode byte-identically.
func (d *LWWDocument) State() []byte {
	data, err := json.Marshal(d.regs)
	if err != nil {
		// regs only ever holds decoded JSON, which re-marshals.
		panic(fmt.Sprintf("encoding document state: %v", err))
	}
	return data
}

// Attributes derives the denormalized JSON snapshot from the current
// registers. String-valued "name" is NFC-normalized so querying and
// display are insensitive to the composition form a peer typed in.
func (d *LWWDocument) Attributes() (json.RawMessage, error) {
	attrs := make(map[string]json.RawMessage, len(d.regs))
	for attr, reg := range d.regs {
		attrs[attr] = reg.Value
	}

	if raw, ok := attrs["name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			normalized, err := json.Marshal(norm.NFC.String(name))
			if err != nil {
				return nil, fmt.Errorf("encoding normalized name: %w", err)
			}
			attrs["name"] = normalized
		}
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encoding attributes: %w", err)
	}

	return data, nil
}

// NewUpdate encodes a single-attribute update stamped with the given
// timestamp and actor. Used by the local write path.
func NewUpdate(attr string, value any, ts uint64, actor string) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding attribute %q: %w", attr, err)
	}

	update := map[string]register{
		attr: {Value: raw, Ts: ts, Actor: actor},
	}

	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encoding update: %w", err)
	}

	return data, nil
}
