package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{
		InstanceName: "test",
		DBPath:       filepath.Join(t.TempDir(), "config.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsDefaultSlots(t *testing.T) {
	s := openTestStore(t)

	slots, err := s.ListSlots(context.Background())
	if err != nil {
		t.Fatalf("ListSlots: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("slots = %d, want 3", len(slots))
	}
	byName := make(map[string]Slot)
	for _, slot := range slots {
		byName[slot.Name] = slot
	}
	for _, name := range []string{"llm", "tts", "memory"} {
		slot, ok := byName[name]
		if !ok {
			t.Fatalf("missing default slot %s", name)
		}
		if slot.Status != SlotStatusUnbound || slot.PluginID != "" {
			t.Fatalf("slot %s = %+v, want unbound", name, slot)
		}
	}
}

func TestBindAndClearSlot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.BindSlot(ctx, "llm", "echo-llm"); err != nil {
		t.Fatalf("BindSlot: %v", err)
	}
	slot, err := s.GetSlot(ctx, "llm")
	if err != nil {
		t.Fatal(err)
	}
	if slot.PluginID != "echo-llm" || slot.Status != SlotStatusBound {
		t.Fatalf("slot = %+v", slot)
	}

	if err := s.ClearSlot(ctx, "llm"); err != nil {
		t.Fatalf("ClearSlot: %v", err)
	}
	slot, _ = s.GetSlot(ctx, "llm")
	if slot.PluginID != "" || slot.Status != SlotStatusUnbound {
		t.Fatalf("slot after clear = %+v", slot)
	}
}

func TestBindUnknownSlot(t *testing.T) {
	s := openTestStore(t)
	err := s.BindSlot(context.Background(), "vision", "x")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestMarkSlotErrorKeepsBinding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.BindSlot(ctx, "tts", "wave-tts"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSlotError(ctx, "tts", "rollback failed"); err != nil {
		t.Fatalf("MarkSlotError: %v", err)
	}
	slot, _ := s.GetSlot(ctx, "tts")
	if slot.Status != SlotStatusError || slot.PluginID != "wave-tts" || slot.Detail != "rollback failed" {
		t.Fatalf("slot = %+v", slot)
	}
}

func TestDefineSlot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.DefineSlot(ctx, "memory.archive", "memory", true); err != nil {
		t.Fatalf("DefineSlot: %v", err)
	}
	slot, err := s.GetSlot(ctx, "memory.archive")
	if err != nil {
		t.Fatal(err)
	}
	if slot.Contract != "memory" {
		t.Fatalf("contract = %q", slot.Contract)
	}
	if !slot.Required {
		t.Fatal("required flag not persisted")
	}

	// Redefining is a no-op, not an error.
	if err := s.DefineSlot(ctx, "memory.archive", "memory", false); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	slot, _ = s.GetSlot(ctx, "memory.archive")
	if !slot.Required {
		t.Fatal("redefine must not overwrite the existing slot")
	}
}

func TestSeededSlotRequiredFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	llm, err := s.GetSlot(ctx, "llm")
	if err != nil {
		t.Fatal(err)
	}
	if !llm.Required {
		t.Fatal("llm slot must be seeded required")
	}
	for _, name := range []string{"tts", "memory"} {
		slot, err := s.GetSlot(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if slot.Required {
			t.Fatalf("%s slot must be seeded optional", name)
		}
	}
}

func TestSwapHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []SwapRecord{
		{ID: "tx-1", Slot: "llm", FromPlugin: "", ToPlugin: "echo-llm", Outcome: SwapOutcomeCommitted},
		{ID: "tx-2", Slot: "llm", FromPlugin: "echo-llm", ToPlugin: "fancy-llm", Outcome: SwapOutcomeRolledBack, Detail: "verify failed"},
	}
	for _, rec := range records {
		if err := s.RecordSwap(ctx, rec); err != nil {
			t.Fatalf("RecordSwap %s: %v", rec.ID, err)
		}
	}

	history, err := s.SwapHistory(ctx, "llm", 0)
	if err != nil {
		t.Fatalf("SwapHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].ID != "tx-2" {
		t.Fatalf("newest first expected, got %s", history[0].ID)
	}

	limited, err := s.SwapHistory(ctx, "llm", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "tx-2" {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveSettings(ctx, map[string]string{
		"worker.binary": "/usr/local/bin/loom-worker",
		"log.level":     "debug",
	}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	all, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["log.level"] != "debug" {
		t.Fatalf("settings = %v", all)
	}

	one, err := s.LoadSettings(ctx, "worker.binary")
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one["worker.binary"] != "/usr/local/bin/loom-worker" {
		t.Fatalf("filtered settings = %v", one)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")
	rw, err := Open(Options{InstanceName: "test", DBPath: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	rw.Close()

	ro, err := Open(Options{InstanceName: "test", DBPath: dbPath, ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}
	defer ro.Close()

	if err := ro.BindSlot(context.Background(), "llm", "x"); err == nil {
		t.Fatal("read-only store must reject writes")
	}
	var nf NotFoundError
	if errors.As(ro.BindSlot(context.Background(), "llm", "x"), &nf) {
		t.Fatal("read-only rejection must not masquerade as not-found")
	}
}
