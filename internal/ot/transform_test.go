package ot

import "testing"

func TestTransformConverges(t *testing.T) {
	cases := []struct {
		name string
		base string
		a, b Operation
		want string
	}{
		{"inserts at same offset", "xy", ins(1, "A"), ins(1, "B"), "xBAy"},
		{"inserts apart", "hello", ins(0, ">"), ins(5, "!"), ">hello!"},
		{"insert before delete", "abcdef", ins(1, "X"), del(2, "cd"), "aXbef"},
		{"insert inside delete", "abcdef", del(1, "bcd"), ins(2, "X"), "aXef"},
		{"overlapping deletes", "abc", del(0, "ab"), del(1, "bc"), ""},
		{"identical deletes", "abc", del(1, "b"), del(1, "b"), "ac"},
		{"nested deletes", "abcdef", del(1, "bcde"), del(2, "cd"), "af"},
		{"insert at delete end", "abcd", ins(3, "Z"), del(1, "bc"), "aZd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			aPrime, bPrime := xform([]Operation{tc.a}, []Operation{tc.b})

			left, err := Apply(tc.base, tc.a)
			if err != nil {
				t.Fatalf("apply a: %v", err)
			}
			left, err = ApplyAll(left, bPrime)
			if err != nil {
				t.Fatalf("apply b': %v", err)
			}

			right, err := Apply(tc.base, tc.b)
			if err != nil {
				t.Fatalf("apply b: %v", err)
			}
			right, err = ApplyAll(right, aPrime)
			if err != nil {
				t.Fatalf("apply a': %v", err)
			}

			if left != right {
				t.Fatalf("diverged: a;b' = %q, b;a' = %q", left, right)
			}
			if left != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, left)
			}
		})
	}
}

func TestTransformSplitsDeleteAroundInsert(t *testing.T) {
	got := Transform(del(1, "bcd"), ins(2, "X"))
	if len(got) != 2 {
		t.Fatalf("expected delete to split in two, got %+v", got)
	}
	if got[0].Payload != "b" || got[0].Position != 1 {
		t.Fatalf("unexpected left piece %+v", got[0])
	}
	if got[1].Payload != "cd" || got[1].Position != 2 {
		t.Fatalf("unexpected right piece %+v", got[1])
	}
}

func TestTransformDropsFullyDeletedRange(t *testing.T) {
	if got := Transform(del(1, "b"), del(0, "abc")); len(got) != 0 {
		t.Fatalf("expected no remaining delete, got %+v", got)
	}
}

func TestTransformAllSequences(t *testing.T) {
	base := "the quick fox"
	mine := []Operation{ins(4, "very "), del(13, "k")}
	theirs := []Operation{del(0, "the "), ins(5, " brown")}

	left, err := ApplyAll(base, mine)
	if err != nil {
		t.Fatalf("apply mine: %v", err)
	}
	left, err = ApplyAll(left, TransformAll(theirs, mine))
	if err != nil {
		t.Fatalf("apply theirs': %v", err)
	}

	right, err := ApplyAll(base, theirs)
	if err != nil {
		t.Fatalf("apply theirs: %v", err)
	}
	mineRebased, _ := xform(mine, theirs)
	right, err = ApplyAll(right, mineRebased)
	if err != nil {
		t.Fatalf("apply mine': %v", err)
	}

	if left != right {
		t.Fatalf("diverged: %q vs %q", left, right)
	}
	if left != "very quic brown fox" {
		t.Fatalf("unexpected result %q", left)
	}
}
