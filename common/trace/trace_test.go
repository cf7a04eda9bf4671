package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/halbot/common/trace"
)

func TestGenerateID(t *testing.T) {
	a, b := trace.GenerateID(), trace.GenerateID()
	if a == b {
		t.Fatal("expected distinct IDs")
	}
	if !strings.HasPrefix(a, "t_") || len(a) != 34 {
		t.Fatalf("unexpected ID format: %q", a)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" || trace.FromContext(ctx) != id {
		t.Fatalf("Ensure did not attach an ID")
	}

	again, id2 := trace.Ensure(ctx)
	if id2 != id || again != ctx {
		t.Fatalf("Ensure should keep an existing ID, got %q want %q", id2, id)
	}

	if got := trace.FromContext(context.Background()); got != "" {
		t.Fatalf("expected empty ID, got %q", got)
	}
}
