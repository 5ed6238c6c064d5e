package ot

import (
	"sort"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator turns two versions of a buffer into the operations that
// transform before into after. The returned operations apply in order.
type Generator interface {
	Generate(before, after string) []Operation
}

// PrefixGenerator emits at most one delete and one insert covering the
// single region between the common prefix and suffix.
type PrefixGenerator struct{}

func (PrefixGenerator) Generate(before, after string) []Operation {
	if before == after {
		return nil
	}
	oldRunes, newRunes := []rune(before), []rune(after)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	var ops []Operation
	if removed := oldRunes[prefix : len(oldRunes)-suffix]; len(removed) > 0 {
		ops = append(ops, Operation{Kind: Delete, Position: prefix, Payload: string(removed)})
	}
	if added := newRunes[prefix : len(newRunes)-suffix]; len(added) > 0 {
		ops = append(ops, Operation{Kind: Insert, Position: prefix, Payload: string(added)})
	}
	return ops
}

// DiffGenerator emits one operation per changed hunk, so edits made at
// several cursors between two observations stay independent.
type DiffGenerator struct {
	// Semantic merges trivial equalities into neighbouring hunks.
	Semantic bool
}

func (g DiffGenerator) Generate(before, after string) []Operation {
	if before == after {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	if g.Semantic {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var ops []Operation
	cursor := 0
	for _, diff := range diffs {
		width := utf8.RuneCountInString(diff.Text)
		if width == 0 {
			continue
		}
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			cursor += width
		case diffmatchpatch.DiffDelete:
			ops = append(ops, Operation{Kind: Delete, Position: cursor, Payload: diff.Text})
		case diffmatchpatch.DiffInsert:
			ops = append(ops, Operation{Kind: Insert, Position: cursor, Payload: diff.Text})
			cursor += width
		}
	}
	return ops
}

// AgainstBase rewrites generated operations, which are positioned against
// before with every earlier operation applied, so that each one is also
// positioned against before alone. It takes ops in ascending position, as
// the generators emit them, and returns them right to left: applying the
// result in order still yields after, and no operation shifts the ones
// that follow it. Operations submitted together on one base revision must
// have this form.
func AgainstBase(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	shift := 0
	for i, op := range ops {
		op.Position -= shift
		switch op.Kind {
		case Insert:
			shift += op.Len()
		case Delete:
			shift -= op.Len()
		}
		out[i] = op
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position > out[j].Position
		}
		return out[i].Kind == Delete && out[j].Kind == Insert
	})
	return out
}
