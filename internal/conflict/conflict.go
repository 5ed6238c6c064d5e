// Package conflict detects overlapping concurrent operations and plans
// resolutions for them. It holds no state; the owning session supplies the
// buffer, its commit history and the competing operations.
package conflict

import (
	"errors"
	"sort"

	"cowrite/api/internal/ot"
)

// Strategy names a resolution policy.
type Strategy string

const (
	LastWriterWins Strategy = "last_writer_wins"
	KeepBoth       Strategy = "keep_both"
	PreferLocal    Strategy = "prefer_local"
	PreferRemote   Strategy = "prefer_remote"
	Manual         Strategy = "manual"
	CustomText     Strategy = "custom_text"
)

var (
	// ErrResolutionStale reports that a planned resolution no longer applies
	// cleanly to the current buffer. The conflict must be re-detected.
	ErrResolutionStale   = errors.New("resolution stale")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// ParseStrategy maps a wire name to an automatic strategy.
func ParseStrategy(value string) (Strategy, bool) {
	switch Strategy(value) {
	case LastWriterWins, KeepBoth, PreferLocal, PreferRemote:
		return Strategy(value), true
	default:
		return "", false
	}
}

// Commit is one change applied to the buffer. Sequence is zero for commits
// produced by a resolution rather than by a single operation.
type Commit struct {
	Revision int64          `json:"revision"`
	Sequence int64          `json:"sequence"`
	OriginID string         `json:"originId"`
	Ops      []ot.Operation `json:"ops"`
}

// History is the commit journal ordered by revision, starting at revision 1
// with no gaps.
type History []Commit

func (h History) At(revision int64) (Commit, bool) {
	if len(h) == 0 {
		return Commit{}, false
	}
	idx := revision - h[0].Revision
	if idx < 0 || idx >= int64(len(h)) {
		return Commit{}, false
	}
	return h[idx], true
}

// After returns the commits with a revision greater than revision.
func (h History) After(revision int64) []Commit {
	if len(h) == 0 {
		return nil
	}
	idx := revision - h[0].Revision + 1
	if idx <= 0 {
		return h
	}
	if idx >= int64(len(h)) {
		return nil
	}
	return h[idx:]
}

func (h History) Head() int64 {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Revision
}

// Text replays the commits up to and including revision from an empty
// buffer.
func (h History) Text(revision int64) (string, error) {
	var ops []ot.Operation
	for _, c := range h {
		if c.Revision > revision {
			break
		}
		ops = append(ops, c.Ops...)
	}
	return ot.Replay(ops)
}

func opsOf(commits []Commit) []ot.Operation {
	var out []ot.Operation
	for _, c := range commits {
		out = append(out, c.Ops...)
	}
	return out
}

// Competitor is one operation taking part in a conflict. Revision is the
// commit that applied it, or zero while its effect is withheld.
type Competitor struct {
	Op       ot.Operation `json:"operation"`
	Revision int64        `json:"revision"`
}

func (c Competitor) Pending() bool {
	return c.Revision == 0
}

// SortCompetitors orders competitors by sequence.
func SortCompetitors(list []Competitor) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Op.Sequence < list[j].Op.Sequence
	})
}

// Concurrent reports whether c was applied without op's originator having
// observed it.
func Concurrent(op ot.Operation, c Commit) bool {
	return c.Revision > op.Base && c.OriginID != op.OriginID
}

// Detection is the outcome of checking an incoming operation against the
// commits its originator had not seen.
type Detection struct {
	// Rebased is the operation expressed against the head revision.
	Rebased []ot.Operation
	// Overlapping lists the concurrent operation commits it collides with.
	Overlapping []Commit
}

func (d Detection) Conflicted() bool {
	return len(d.Overlapping) > 0
}

// Detect walks the concurrent commits after op.Base in revision order. Each
// commit is compared with the operation as rebased up to that commit.
func Detect(op ot.Operation, history History) Detection {
	current := []ot.Operation{op}
	var overlapping []Commit
	for _, c := range history.After(op.Base) {
		if !Concurrent(op, c) {
			continue
		}
		if c.Sequence != 0 && ot.OverlapsAny(current, c.Ops) {
			overlapping = append(overlapping, c)
		}
		current = ot.TransformAll(current, c.Ops)
	}
	return Detection{Rebased: current, Overlapping: overlapping}
}

// Rebase expresses op against the head revision, skipping commits its
// originator already knew about and the revisions listed in skip.
func Rebase(op ot.Operation, history History, skip map[int64]bool) []ot.Operation {
	current := []ot.Operation{op}
	for _, c := range history.After(op.Base) {
		if !Concurrent(op, c) || skip[c.Revision] {
			continue
		}
		current = ot.TransformAll(current, c.Ops)
	}
	return current
}

// locate returns the committed effect of revision as it sits in the head
// buffer.
func locate(history History, revision int64) []ot.Operation {
	commit, ok := history.At(revision)
	if !ok {
		return nil
	}
	return ot.TransformAll(commit.Ops, opsOf(history.After(revision)))
}

type span struct {
	start, end int
}

// committedSpans marks inserted text as a range and deleted text as a point.
func committedSpans(ops []ot.Operation) []span {
	out := make([]span, 0, len(ops))
	for _, op := range ops {
		if op.Kind == ot.Insert {
			out = append(out, span{op.Position, op.End()})
		} else {
			out = append(out, span{op.Position, op.Position})
		}
	}
	return out
}

// pendingSpans marks text still to be deleted as a range and text still to
// be inserted as a point.
func pendingSpans(ops []ot.Operation) []span {
	out := make([]span, 0, len(ops))
	for _, op := range ops {
		if op.Kind == ot.Delete {
			out = append(out, span{op.Position, op.End()})
		} else {
			out = append(out, span{op.Position, op.Position})
		}
	}
	return out
}

func (s span) empty() bool {
	return s.start >= s.end
}

// touches treats a point as inside a range only when strictly within it.
func touches(a, b span) bool {
	switch {
	case !a.empty() && !b.empty():
		return a.start < b.end && b.start < a.end
	case a.empty() && b.empty():
		return a.start == b.start
	case a.empty():
		return b.start < a.start && a.start < b.end
	default:
		return a.start < b.start && b.start < a.end
	}
}

// Region returns the range of the head buffer the competitors cover.
func Region(history History, competitors []Competitor) (start, end int, ok bool) {
	var spans []span
	for _, c := range competitors {
		if c.Pending() {
			spans = append(spans, pendingSpans(Rebase(c.Op, history, nil))...)
			continue
		}
		spans = append(spans, committedSpans(locate(history, c.Revision))...)
	}
	if len(spans) == 0 {
		return 0, 0, false
	}
	start, end = spans[0].start, spans[0].end
	for _, s := range spans[1:] {
		start = min(start, s.start)
		end = max(end, s.end)
	}
	return start, end, true
}

// Drift returns the commits after since that landed inside the conflict
// region. Commits already competing are ignored.
func Drift(history History, competitors []Competitor, since int64) []Commit {
	start, end, ok := Region(history, competitors)
	if !ok {
		return nil
	}
	region := span{start, end}
	known := make(map[int64]bool, len(competitors))
	for _, c := range competitors {
		if !c.Pending() {
			known[c.Revision] = true
		}
	}

	var drifted []Commit
	for _, c := range history.After(since) {
		if known[c.Revision] {
			continue
		}
		for _, s := range committedSpans(locate(history, c.Revision)) {
			if touches(s, region) {
				drifted = append(drifted, c)
				break
			}
		}
	}
	return drifted
}
