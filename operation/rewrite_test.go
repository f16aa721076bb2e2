package operation

import (
	"testing"

	"github.com/virtuenet/coachsync/value"
)

func TestRewriteReferences(t *testing.T) {
	data := value.NewMap().
		Set("habitId", value.String("tmp-123")).
		Set("note", value.String("unrelated")).
		Set("nested", value.FromMap(value.NewMap().Set("parentId", value.String("tmp-123"))))

	op := New(TypeCreate, "session", "tmp-123", data)

	if !op.RewriteReferences("tmp-123", "srv-9") {
		t.Fatal("expected rewrite to report a change")
	}
	if op.EntityID != "srv-9" {
		t.Fatalf("entity id not rewritten: %s", op.EntityID)
	}
	if v, _ := op.Data.Get("habitId"); v.Str() != "srv-9" {
		t.Fatalf("data reference not rewritten: %s", v.Str())
	}
	if v, _ := op.Data.Get("note"); v.Str() != "unrelated" {
		t.Fatal("unrelated field was rewritten")
	}
	nested, _ := op.Data.Get("nested")
	if v, _ := nested.MapVal().Get("parentId"); v.Str() != "srv-9" {
		t.Fatalf("nested reference not rewritten: %s", v.Str())
	}
}

func TestRewriteReferencesNoMatch(t *testing.T) {
	op := New(TypeUpdate, "habit", "habit-1", value.NewMap().Set("title", value.String("Run")))
	if op.RewriteReferences("tmp-999", "srv-1") {
		t.Fatal("expected no change")
	}
	if op.EntityID != "habit-1" {
		t.Fatal("entity id changed unexpectedly")
	}
}
