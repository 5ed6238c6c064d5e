// Package ot defines the positional edit operations exchanged between
// collaborators and the primitives used to apply, invert and rebase them.
package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

// ErrStaleOperation reports that an operation no longer matches the buffer
// it is applied to. Callers treat it as a conflict, never as a crash.
var ErrStaleOperation = errors.New("stale operation")

var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a single insert or delete. Positions and lengths count runes.
//
// Base is the last buffer revision the originator had applied when it
// generated the operation; Sequence is assigned by the session.
type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Payload  string `json:"payload"`
	OriginID string `json:"originId"`
	Sequence int64  `json:"sequence"`
	Base     int64  `json:"base"`
}

func (o Operation) Len() int {
	return utf8.RuneCountInString(o.Payload)
}

func (o Operation) End() int {
	return o.Position + o.Len()
}

func (o Operation) Validate() error {
	if o.Kind != Insert && o.Kind != Delete {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	if o.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, o.Position)
	}
	if o.Payload == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidOperation)
	}
	if !utf8.ValidString(o.Payload) {
		return fmt.Errorf("%w: payload is not valid utf-8", ErrInvalidOperation)
	}
	if o.Base < 0 {
		return fmt.Errorf("%w: negative base revision %d", ErrInvalidOperation, o.Base)
	}
	return nil
}

// Overlaps reports whether the half-open ranges [Position, End) of a and b
// intersect. Inserts span their payload, so two inserts at the same offset
// overlap.
func Overlaps(a, b Operation) bool {
	if a.Len() == 0 || b.Len() == 0 {
		return false
	}
	return a.Position < b.End() && b.Position < a.End()
}

// OverlapsAny reports whether any operation of a overlaps any operation of b.
func OverlapsAny(a, b []Operation) bool {
	for _, left := range a {
		for _, right := range b {
			if Overlaps(left, right) {
				return true
			}
		}
	}
	return false
}

// Apply returns buffer with op applied. A delete asserts that the removed
// text equals its payload.
func Apply(buffer string, op Operation) (string, error) {
	runes := []rune(buffer)
	if op.Position < 0 || op.Position > len(runes) {
		return "", fmt.Errorf("%w: position %d outside buffer of length %d", ErrStaleOperation, op.Position, len(runes))
	}

	switch op.Kind {
	case Insert:
		payload := []rune(op.Payload)
		out := make([]rune, 0, len(runes)+len(payload))
		out = append(out, runes[:op.Position]...)
		out = append(out, payload...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case Delete:
		end := op.End()
		if end > len(runes) {
			return "", fmt.Errorf("%w: delete [%d,%d) past end of buffer of length %d", ErrStaleOperation, op.Position, end, len(runes))
		}
		if found := string(runes[op.Position:end]); found != op.Payload {
			return "", fmt.Errorf("%w: delete at %d expected %q, found %q", ErrStaleOperation, op.Position, op.Payload, found)
		}
		out := make([]rune, 0, len(runes)-(end-op.Position))
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[end:]...)
		return string(out), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

// ApplyAll applies ops in order and stops at the first failure.
func ApplyAll(buffer string, ops []Operation) (string, error) {
	var err error
	for _, op := range ops {
		buffer, err = Apply(buffer, op)
		if err != nil {
			return "", err
		}
	}
	return buffer, nil
}

// Replay rebuilds a buffer from an empty string.
func Replay(ops []Operation) (string, error) {
	return ApplyAll("", ops)
}

// Invert returns the operation that undoes op.
func Invert(op Operation) Operation {
	inverse := op
	if op.Kind == Insert {
		inverse.Kind = Delete
	} else {
		inverse.Kind = Insert
	}
	return inverse
}

// InvertAll returns the operations undoing ops, in application order.
func InvertAll(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, Invert(ops[i]))
	}
	return out
}

// Slice returns the runes of buffer in [start, end), clamped to the buffer.
func Slice(buffer string, start, end int) string {
	runes := []rune(buffer)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
