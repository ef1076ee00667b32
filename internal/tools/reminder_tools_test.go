package tools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/store"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo needed in tests
)

func testReminders(t *testing.T) *Reminders {
	t.Helper()
	kv, err := store.NewSQLiteStore("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewReminders(kv)
}

func TestDeliverReminderConsumes(t *testing.T) {
	reminders := testReminders(t)
	ctx := context.Background()

	if _, err := reminders.Add(ctx, "water the plants"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r := NewRegistry()
	RegisterReminderTools(r, reminders)
	e := NewExecutor(r, nil)

	results := e.Execute(ctx, []llm.ToolCall{
		{ID: "call_1", Name: "deliver_reminder", Arguments: map[string]any{}},
	})
	if !results[0].Success {
		t.Fatalf("deliver failed: %s", results[0].Error)
	}

	pending, err := reminders.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after delivery = %d, want 0", len(pending))
	}
}

func TestDeliverReminderDryRunLeavesPending(t *testing.T) {
	reminders := testReminders(t)
	ctx := context.Background()

	if _, err := reminders.Add(ctx, "water the plants"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r := NewRegistry()
	RegisterReminderTools(r, reminders)
	e := NewExecutor(r, nil)

	// Background warm calls run under a dry-run context: the read must
	// not consume the reminder.
	results := e.Execute(WithDryRun(ctx), []llm.ToolCall{
		{ID: "call_1", Name: "deliver_reminder", Arguments: map[string]any{}},
	})
	if !results[0].Success {
		t.Fatalf("dry deliver failed: %s", results[0].Error)
	}
	if results[0].Message == "no pending reminders" {
		t.Error("dry run should still see the pending reminder")
	}

	pending, err := reminders.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending after dry run = %d, want 1 (still pending)", len(pending))
	}
}

func TestAddReminderTool(t *testing.T) {
	reminders := testReminders(t)
	ctx := context.Background()

	r := NewRegistry()
	RegisterReminderTools(r, reminders)
	e := NewExecutor(r, nil)

	results := e.Execute(ctx, []llm.ToolCall{
		{ID: "call_1", Name: "add_reminder", Arguments: map[string]any{"text": "buy milk"}},
	})
	if !results[0].Success {
		t.Fatalf("add failed: %s", results[0].Error)
	}

	pending, err := reminders.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Text != "buy milk" {
		t.Errorf("pending = %+v", pending)
	}
}
