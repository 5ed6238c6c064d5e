package conflict

import (
	"errors"
	"testing"

	"cowrite/api/internal/ot"
)

func op(kind ot.Kind, pos int, payload, origin string, seq, base int64) ot.Operation {
	return ot.Operation{Kind: kind, Position: pos, Payload: payload, OriginID: origin, Sequence: seq, Base: base}
}

func commitOf(revision int64, o ot.Operation) Commit {
	return Commit{Revision: revision, Sequence: o.Sequence, OriginID: o.OriginID, Ops: []ot.Operation{o}}
}

// concurrentInserts: p1 inserted "ab" at 0, p2 inserted "xy" at 0 without
// having seen it.
func concurrentInserts() (History, []Competitor) {
	first := op(ot.Insert, 0, "ab", "p1", 1, 0)
	second := op(ot.Insert, 0, "xy", "p2", 2, 0)
	history := History{commitOf(1, first)}
	return history, []Competitor{{Op: first, Revision: 1}, {Op: second}}
}

// overlappingDeletes: buffer "abc", p1 removed "ab" and p2 concurrently
// removed "bc".
func overlappingDeletes() (History, []Competitor, string) {
	seed := op(ot.Insert, 0, "abc", "p0", 1, 0)
	first := op(ot.Delete, 0, "ab", "p1", 2, 1)
	second := op(ot.Delete, 1, "bc", "p2", 3, 1)
	history := History{commitOf(1, seed), commitOf(2, first)}
	return history, []Competitor{{Op: first, Revision: 2}, {Op: second}}, "c"
}

func TestDetectOverlappingInserts(t *testing.T) {
	history, competitors := concurrentInserts()
	detection := Detect(competitors[1].Op, history)
	if !detection.Conflicted() {
		t.Fatal("expected concurrent inserts at the same offset to conflict")
	}
	if len(detection.Overlapping) != 1 || detection.Overlapping[0].Revision != 1 {
		t.Fatalf("unexpected overlapping commits %+v", detection.Overlapping)
	}
}

func TestDetectRebasesDisjointConcurrentEdit(t *testing.T) {
	history := History{
		commitOf(1, op(ot.Insert, 0, "world wide web", "p0", 1, 0)),
		commitOf(2, op(ot.Insert, 0, "hello ", "p1", 2, 1)),
	}

	late := op(ot.Insert, 14, "!", "p2", 3, 1)
	detection := Detect(late, history)
	if detection.Conflicted() {
		t.Fatalf("did not expect a conflict, got %+v", detection.Overlapping)
	}
	if len(detection.Rebased) != 1 || detection.Rebased[0].Position != 20 {
		t.Fatalf("expected insert rebased to 20, got %+v", detection.Rebased)
	}
	got, err := ot.ApplyAll("hello world wide web", detection.Rebased)
	if err != nil || got != "hello world wide web!" {
		t.Fatalf("unexpected rebased result %q (%v)", got, err)
	}
}

func TestDetectIgnoresOwnAndObservedCommits(t *testing.T) {
	mine := op(ot.Insert, 0, "ab", "p1", 1, 0)
	history := History{commitOf(1, mine)}

	followUp := op(ot.Insert, 1, "z", "p1", 2, 0)
	if Detect(followUp, history).Conflicted() {
		t.Fatal("an originator never conflicts with its own commits")
	}

	informed := op(ot.Insert, 1, "z", "p2", 2, 1)
	if Detect(informed, history).Conflicted() {
		t.Fatal("an operation based on revision 1 has observed revision 1")
	}
}

func TestRegion(t *testing.T) {
	history, competitors := concurrentInserts()
	start, end, ok := Region(history, competitors)
	if !ok {
		t.Fatal("expected a region")
	}
	if start != 0 || end != 2 {
		t.Fatalf("expected region [0,2), got [%d,%d)", start, end)
	}
}

func TestKeepBothAppliesInSequenceOrder(t *testing.T) {
	history, competitors := concurrentInserts()
	p, err := PlanStrategy(Input{Buffer: "ab", History: history, Competitors: competitors, LocalOrigin: "p2"}, KeepBoth)
	if err != nil {
		t.Fatalf("PlanStrategy: %v", err)
	}
	if p.Result != "abxy" {
		t.Fatalf("expected %q, got %q", "abxy", p.Result)
	}
	if len(p.Dropped) != 0 || len(p.Kept) != 2 {
		t.Fatalf("expected both edits kept, got kept=%v dropped=%v", p.Kept, p.Dropped)
	}
}

func TestLastWriterWinsRevertsEarlierCommit(t *testing.T) {
	history, competitors, buffer := overlappingDeletes()
	p, err := PlanStrategy(Input{Buffer: buffer, History: history, Competitors: competitors, LocalOrigin: "p2"}, LastWriterWins)
	if err != nil {
		t.Fatalf("PlanStrategy: %v", err)
	}
	if p.Result != "a" {
		t.Fatalf("expected %q, got %q", "a", p.Result)
	}
	if len(p.Kept) != 1 || p.Kept[0] != 3 {
		t.Fatalf("expected sequence 3 to win, got %v", p.Kept)
	}
	if len(p.Dropped) != 1 || p.Dropped[0] != 2 {
		t.Fatalf("expected sequence 2 dropped, got %v", p.Dropped)
	}
}

func TestPreferLocalAndRemote(t *testing.T) {
	history, competitors := concurrentInserts()
	in := Input{Buffer: "ab", History: history, Competitors: competitors, LocalOrigin: "p2"}

	local, err := PlanStrategy(in, PreferLocal)
	if err != nil {
		t.Fatalf("prefer local: %v", err)
	}
	if local.Result != "xy" {
		t.Fatalf("expected local edit only, got %q", local.Result)
	}

	remote, err := PlanStrategy(in, PreferRemote)
	if err != nil {
		t.Fatalf("prefer remote: %v", err)
	}
	if remote.Result != "ab" || len(remote.Effect) != 0 {
		t.Fatalf("expected the committed edit to stand untouched, got %q %+v", remote.Result, remote.Effect)
	}
}

func TestPlanChoiceAndText(t *testing.T) {
	history, competitors := concurrentInserts()
	in := Input{Buffer: "ab", History: history, Competitors: competitors, LocalOrigin: "p2"}

	chosen, err := PlanChoice(in, "p1")
	if err != nil {
		t.Fatalf("PlanChoice: %v", err)
	}
	if chosen.Result != "ab" {
		t.Fatalf("expected p1's edit, got %q", chosen.Result)
	}

	if _, err := PlanChoice(in, "nobody"); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}

	custom, err := PlanText(in, "Z")
	if err != nil {
		t.Fatalf("PlanText: %v", err)
	}
	if custom.Result != "Z" {
		t.Fatalf("expected custom text to replace region, got %q", custom.Result)
	}
}

func TestPlanReportsStaleBuffer(t *testing.T) {
	history, competitors, _ := overlappingDeletes()
	_, err := PlanStrategy(Input{Buffer: "zzz", History: history, Competitors: competitors, LocalOrigin: "p2"}, LastWriterWins)
	if !errors.Is(err, ErrResolutionStale) {
		t.Fatalf("expected ErrResolutionStale, got %v", err)
	}
}

func TestDrift(t *testing.T) {
	history, competitors := concurrentInserts()

	outside := append(History{}, history...)
	outside = append(outside, commitOf(2, op(ot.Insert, 0, "Z", "p1", 3, 1)))
	if drifted := Drift(outside, competitors, 1); len(drifted) != 0 {
		t.Fatalf("insert before the region should not drift it, got %+v", drifted)
	}
	p, err := PlanStrategy(Input{Buffer: "Zab", History: outside, Competitors: competitors, LocalOrigin: "p2"}, KeepBoth)
	if err != nil {
		t.Fatalf("PlanStrategy after unrelated commit: %v", err)
	}
	if p.Result != "Zabxy" {
		t.Fatalf("expected %q, got %q", "Zabxy", p.Result)
	}

	inside := append(History{}, history...)
	inside = append(inside, commitOf(2, op(ot.Delete, 1, "b", "p1", 3, 1)))
	drifted := Drift(inside, competitors, 1)
	if len(drifted) != 1 || drifted[0].Revision != 2 {
		t.Fatalf("expected revision 2 to drift the region, got %+v", drifted)
	}
}

func TestSuggestIsSideEffectFree(t *testing.T) {
	history, competitors := concurrentInserts()
	in := Input{Buffer: "ab", History: history, Competitors: competitors, LocalOrigin: "p2"}
	suggestions := Suggest(in)
	if len(suggestions) != 4 {
		t.Fatalf("expected four suggestions, got %+v", suggestions)
	}
	byStrategy := map[Strategy]string{}
	for _, s := range suggestions {
		byStrategy[s.Strategy] = s.Preview
	}
	if byStrategy[KeepBoth] != "abxy" || byStrategy[PreferRemote] != "ab" || byStrategy[PreferLocal] != "xy" {
		t.Fatalf("unexpected previews %+v", byStrategy)
	}
	if in.Buffer != "ab" || len(in.History) != 1 {
		t.Fatal("suggestions must not mutate their input")
	}
}

func TestParseStrategy(t *testing.T) {
	if s, ok := ParseStrategy("keep_both"); !ok || s != KeepBoth {
		t.Fatalf("expected keep_both, got %q %v", s, ok)
	}
	if _, ok := ParseStrategy("manual"); ok {
		t.Fatal("manual is not an automatic strategy")
	}
}

func TestHistoryWindow(t *testing.T) {
	history := History{
		{Revision: 1}, {Revision: 2}, {Revision: 3},
	}
	if got := history.After(1); len(got) != 2 || got[0].Revision != 2 {
		t.Fatalf("unexpected After(1) %+v", got)
	}
	if got := history.After(0); len(got) != 3 {
		t.Fatalf("unexpected After(0) %+v", got)
	}
	if got := history.After(3); len(got) != 0 {
		t.Fatalf("unexpected After(3) %+v", got)
	}
	if c, ok := history.At(2); !ok || c.Revision != 2 {
		t.Fatalf("unexpected At(2) %+v %v", c, ok)
	}
	if history.Head() != 3 {
		t.Fatalf("expected head 3, got %d", history.Head())
	}
}

func TestHistoryText(t *testing.T) {
	history := History{
		commitOf(1, op(ot.Insert, 0, "hello", "p1", 1, 0)),
		commitOf(2, op(ot.Insert, 5, " world", "p2", 2, 1)),
	}
	for revision, want := range map[int64]string{0: "", 1: "hello", 2: "hello world", 9: "hello world"} {
		if got, err := history.Text(revision); err != nil || got != want {
			t.Fatalf("Text(%d) = %q, %v; want %q", revision, got, err, want)
		}
	}
}
