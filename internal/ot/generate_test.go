package ot

import "testing"

func TestGeneratorsReproduceTarget(t *testing.T) {
	pairs := []struct {
		before, after string
	}{
		{"", "hello"},
		{"hello", ""},
		{"hello world", "hallo world!"},
		{"one two three", "one 2 three four"},
		{"naïve café", "naive café au lait"},
		{"same", "same"},
	}
	generators := map[string]Generator{
		"prefix":        PrefixGenerator{},
		"diff":          DiffGenerator{},
		"diff-semantic": DiffGenerator{Semantic: true},
	}

	for name, gen := range generators {
		for _, pair := range pairs {
			ops := gen.Generate(pair.before, pair.after)
			got, err := ApplyAll(pair.before, ops)
			if err != nil {
				t.Fatalf("%s: apply ops for %q -> %q: %v", name, pair.before, pair.after, err)
			}
			if got != pair.after {
				t.Fatalf("%s: expected %q, got %q (ops %+v)", name, pair.after, got, ops)
			}
		}
	}
}

func TestPrefixGeneratorSingleRegion(t *testing.T) {
	ops := PrefixGenerator{}.Generate("abcdef", "abXYef")
	if len(ops) != 2 {
		t.Fatalf("expected delete+insert, got %+v", ops)
	}
	if ops[0].Kind != Delete || ops[0].Position != 2 || ops[0].Payload != "cd" {
		t.Fatalf("unexpected delete %+v", ops[0])
	}
	if ops[1].Kind != Insert || ops[1].Position != 2 || ops[1].Payload != "XY" {
		t.Fatalf("unexpected insert %+v", ops[1])
	}
}

func TestDiffGeneratorKeepsHunksApart(t *testing.T) {
	ops := DiffGenerator{}.Generate("aaaa bbbb cccc", "Xaaaa bbbb ccccY")
	if len(ops) != 2 {
		t.Fatalf("expected two independent inserts, got %+v", ops)
	}
	if ops[0].Position != 0 || ops[0].Payload != "X" {
		t.Fatalf("unexpected first hunk %+v", ops[0])
	}
	if ops[1].Position != 15 || ops[1].Payload != "Y" {
		t.Fatalf("unexpected second hunk %+v", ops[1])
	}
}

func TestAgainstBasePositionsEveryHunkOnTheOriginal(t *testing.T) {
	before, after := "0123456789", "234Y56789"
	ops := AgainstBase(DiffGenerator{}.Generate(before, after))
	if len(ops) != 2 {
		t.Fatalf("expected two hunks, got %+v", ops)
	}
	if ops[0].Kind != Insert || ops[0].Position != 5 || ops[0].Payload != "Y" {
		t.Fatalf("expected the insert first, at its original offset, got %+v", ops[0])
	}
	if ops[1].Kind != Delete || ops[1].Position != 0 || ops[1].Payload != "01" {
		t.Fatalf("unexpected delete %+v", ops[1])
	}
}

func TestAgainstBaseStillReproducesTarget(t *testing.T) {
	pairs := []struct {
		before, after string
	}{
		{"0123456789", "234Y56789"},
		{"abcdef", "abXYef"},
		{"hello world", "hallo world!"},
		{"one two three", "one 2 three four"},
		{"naïve café", "naive café au lait"},
		{"aaaa bbbb cccc", "Xaaaa bbbb ccccY"},
	}
	for _, gen := range []Generator{PrefixGenerator{}, DiffGenerator{}, DiffGenerator{Semantic: true}} {
		for _, pair := range pairs {
			ops := AgainstBase(gen.Generate(pair.before, pair.after))
			got, err := ApplyAll(pair.before, ops)
			if err != nil {
				t.Fatalf("apply %+v to %q: %v", ops, pair.before, err)
			}
			if got != pair.after {
				t.Fatalf("expected %q, got %q (ops %+v)", pair.after, got, ops)
			}
			for i := 1; i < len(ops); i++ {
				if ops[i].End() > ops[i-1].Position && ops[i].Position < ops[i-1].Position {
					t.Fatalf("operation %d overlaps the one applied before it: %+v", i, ops)
				}
			}
		}
	}
}
