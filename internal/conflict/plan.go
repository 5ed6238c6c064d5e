package conflict

import (
	"fmt"

	"cowrite/api/internal/ot"
)

// Input is everything a resolution is planned against.
type Input struct {
	Buffer      string
	History     History
	Competitors []Competitor
	// LocalOrigin is the participant whose edit is "mine" for prefer_local
	// and prefer_remote.
	LocalOrigin string
}

// Plan is a resolution ready to commit. Effect applies to Input.Buffer and
// yields Result.
type Plan struct {
	Strategy Strategy       `json:"strategy"`
	Kept     []int64        `json:"kept"`
	Dropped  []int64        `json:"dropped"`
	Effect   []ot.Operation `json:"effect"`
	Result   string         `json:"result"`
}

// PlanStrategy plans one of the automatic strategies.
func PlanStrategy(in Input, strategy Strategy) (Plan, error) {
	if len(in.Competitors) < 2 {
		return Plan{}, fmt.Errorf("%w: a conflict needs at least two competitors", ErrInvalidResolution)
	}
	var keep func(Competitor) bool
	switch strategy {
	case KeepBoth:
		keep = func(Competitor) bool { return true }
	case LastWriterWins:
		latest := in.Competitors[0].Op.Sequence
		for _, c := range in.Competitors[1:] {
			latest = max(latest, c.Op.Sequence)
		}
		keep = func(c Competitor) bool { return c.Op.Sequence == latest }
	case PreferLocal:
		keep = func(c Competitor) bool { return c.Op.OriginID == in.LocalOrigin }
	case PreferRemote:
		keep = func(c Competitor) bool { return c.Op.OriginID != in.LocalOrigin }
	default:
		return Plan{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidResolution, strategy)
	}
	return plan(in, strategy, keep)
}

// PlanChoice keeps the competing edits of one originator.
func PlanChoice(in Input, originID string) (Plan, error) {
	return plan(in, Manual, func(c Competitor) bool { return c.Op.OriginID == originID })
}

// PlanText replaces the whole conflict region with text.
func PlanText(in Input, text string) (Plan, error) {
	start, end, ok := Region(in.History, in.Competitors)
	if !ok {
		return Plan{}, fmt.Errorf("%w: conflict region vanished", ErrResolutionStale)
	}
	var effect []ot.Operation
	if removed := ot.Slice(in.Buffer, start, end); removed != "" {
		effect = append(effect, ot.Operation{Kind: ot.Delete, Position: start, Payload: removed})
	}
	if text != "" {
		effect = append(effect, ot.Operation{Kind: ot.Insert, Position: start, Payload: text})
	}

	result, err := ot.ApplyAll(in.Buffer, effect)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrResolutionStale, err)
	}
	out := Plan{Strategy: CustomText, Effect: effect, Result: result}
	for _, c := range in.Competitors {
		out.Dropped = append(out.Dropped, c.Op.Sequence)
	}
	return out, nil
}

// plan undoes the committed competitors that lose, then applies the pending
// competitors that win in sequence order.
func plan(in Input, strategy Strategy, keep func(Competitor) bool) (Plan, error) {
	if len(in.Competitors) < 2 {
		return Plan{}, fmt.Errorf("%w: a conflict needs at least two competitors", ErrInvalidResolution)
	}
	competitors := append([]Competitor(nil), in.Competitors...)
	SortCompetitors(competitors)

	out := Plan{Strategy: strategy}
	var losers, winners []Competitor
	for _, c := range competitors {
		if keep(c) {
			out.Kept = append(out.Kept, c.Op.Sequence)
			if c.Pending() {
				winners = append(winners, c)
			}
			continue
		}
		out.Dropped = append(out.Dropped, c.Op.Sequence)
		if !c.Pending() {
			losers = append(losers, c)
		}
	}
	if len(out.Kept) == 0 {
		return Plan{}, fmt.Errorf("%w: no competing edit matches", ErrInvalidResolution)
	}

	skip := make(map[int64]bool, len(losers))
	var effect []ot.Operation
	for i := len(losers) - 1; i >= 0; i-- {
		loser := losers[i]
		skip[loser.Revision] = true
		commit, ok := in.History.At(loser.Revision)
		if !ok {
			return Plan{}, fmt.Errorf("%w: revision %d no longer in history", ErrResolutionStale, loser.Revision)
		}
		undo := ot.TransformAll(ot.InvertAll(commit.Ops), opsOf(in.History.After(loser.Revision)))
		effect = append(effect, ot.TransformAll(undo, effect)...)
	}

	type applied struct {
		origin string
		ops    []ot.Operation
	}
	var done []applied
	for _, w := range winners {
		rebased := Rebase(w.Op, in.History, skip)
		for _, prior := range done {
			if prior.origin == w.Op.OriginID {
				continue
			}
			rebased = ot.TransformAll(rebased, prior.ops)
		}
		done = append(done, applied{origin: w.Op.OriginID, ops: rebased})
		effect = append(effect, rebased...)
	}

	result, err := ot.ApplyAll(in.Buffer, effect)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrResolutionStale, err)
	}
	out.Effect = effect
	out.Result = result
	return out, nil
}

// Suggestion is a resolution a participant may pick. It is never committed
// by being suggested.
type Suggestion struct {
	Strategy Strategy `json:"strategy"`
	Label    string   `json:"label"`
	Preview  string   `json:"preview"`
	Kept     []int64  `json:"kept"`
}

var suggestionOrder = []struct {
	strategy Strategy
	label    string
}{
	{PreferLocal, "Keep mine"},
	{PreferRemote, "Keep theirs"},
	{KeepBoth, "Keep both"},
	{LastWriterWins, "Keep the latest edit"},
}

// Suggest returns the automatic strategies that currently plan cleanly.
func Suggest(in Input) []Suggestion {
	out := make([]Suggestion, 0, len(suggestionOrder))
	for _, option := range suggestionOrder {
		p, err := PlanStrategy(in, option.strategy)
		if err != nil {
			continue
		}
		out = append(out, Suggestion{
			Strategy: option.strategy,
			Label:    option.label,
			Preview:  p.Result,
			Kept:     p.Kept,
		})
	}
	return out
}
