package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("cfl")
	if !strings.HasPrefix(id, "cfl_") || len(id) != len("cfl_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("cfl") == id {
		t.Fatal("expected ids to differ")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("unexpected bare id %q", bare)
	}
}
