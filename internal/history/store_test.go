package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func openStores(t *testing.T, maxTurns int) map[string]Store {
	t.Helper()

	bs, err := NewBadgerStore("", maxTurns, true)
	if err != nil {
		t.Fatalf("Failed to open badger store: %v", err)
	}
	t.Cleanup(func() { bs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(maxTurns),
		"badger": bs,
	}
}

func TestStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t, 10) {
		t.Run(name, func(t *testing.T) {
			if err := store.Append(ctx, "dev-1", NewTurn(RoleUser, "hello")); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if err := store.Append(ctx, "dev-1", NewTurn(RoleAssistant, "hi there")); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			turns, err := store.Load(ctx, "dev-1")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(turns) != 2 {
				t.Fatalf("Expected 2 turns, got %d", len(turns))
			}
			if turns[0].Role != RoleUser || turns[0].Text != "hello" {
				t.Errorf("Unexpected first turn: %+v", turns[0])
			}
			if turns[1].Role != RoleAssistant || turns[1].Text != "hi there" {
				t.Errorf("Unexpected second turn: %+v", turns[1])
			}
		})
	}
}

func TestStore_EvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t, 5) {
		t.Run(name, func(t *testing.T) {
			// Six exchanges: twelve turns against a cap of five
			for i := 1; i <= 6; i++ {
				store.Append(ctx, "dev", NewTurn(RoleUser, fmt.Sprintf("q%d", i)))
				store.Append(ctx, "dev", NewTurn(RoleAssistant, fmt.Sprintf("a%d", i)))

				turns, _ := store.Load(ctx, "dev")
				if len(turns) > 5 {
					t.Fatalf("Expected at most 5 turns, got %d", len(turns))
				}
			}

			turns, err := store.Load(ctx, "dev")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			want := []string{"a4", "q5", "a5", "q6", "a6"}
			if len(turns) != len(want) {
				t.Fatalf("Expected %d turns, got %d", len(want), len(turns))
			}
			for i, w := range want {
				if turns[i].Text != w {
					t.Errorf("Turn %d: expected %s, got %s", i, w, turns[i].Text)
				}
			}
		})
	}
}

func TestStore_KeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t, 10) {
		t.Run(name, func(t *testing.T) {
			store.Append(ctx, "a", NewTurn(RoleUser, "from a"))
			store.Append(ctx, "a:b", NewTurn(RoleUser, "from a:b"))

			turns, _ := store.Load(ctx, "a")
			if len(turns) != 1 || turns[0].Text != "from a" {
				t.Errorf("Expected only the turn for key a, got %+v", turns)
			}

			empty, err := store.Load(ctx, "unknown")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("Expected empty history, got %d turns", len(empty))
			}
		})
	}
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t, 10) {
		t.Run(name, func(t *testing.T) {
			store.Append(ctx, "dev", NewTurn(RoleUser, "hello"))
			if err := store.Clear(ctx, "dev"); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			turns, _ := store.Load(ctx, "dev")
			if len(turns) != 0 {
				t.Errorf("Expected no turns after clear, got %d", len(turns))
			}

			// Sequence restarts cleanly after a clear
			store.Append(ctx, "dev", NewTurn(RoleUser, "again"))
			turns, _ = store.Load(ctx, "dev")
			if len(turns) != 1 || turns[0].Text != "again" {
				t.Errorf("Expected one turn after re-append, got %+v", turns)
			}
		})
	}
}

func TestStore_RejectsUnknownRole(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t, 10) {
		t.Run(name, func(t *testing.T) {
			err := store.Append(ctx, "dev", Turn{Role: "system", Text: "x"})
			if !errors.Is(err, ErrInvalidTurn) {
				t.Errorf("Expected ErrInvalidTurn, got %v", err)
			}
		})
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(5)
	store.Append(ctx, "dev", NewTurn(RoleUser, "original"))

	turns, _ := store.Load(ctx, "dev")
	turns[0].Text = "mutated"

	again, _ := store.Load(ctx, "dev")
	if again[0].Text != "original" {
		t.Errorf("Expected stored turn to be unchanged, got %s", again[0].Text)
	}
}

func TestBadgerStore_Persists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewBadgerStore(dir, 5, false)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	store.Append(ctx, "dev", NewTurn(RoleUser, "remember me"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewBadgerStore(dir, 5, false)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	turns, err := reopened.Load(ctx, "dev")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(turns) != 1 || turns[0].Text != "remember me" {
		t.Errorf("Expected persisted turn, got %+v", turns)
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Errorf("Expected ping to succeed, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	store, err := Open(Options{Backend: "memory", MaxTurns: 3})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Expected *MemoryStore, got %T", store)
	}

	if _, err := Open(Options{Backend: "redis"}); err == nil {
		t.Error("Expected error for unsupported backend")
	}
}

func TestOpen_DefaultCap(t *testing.T) {
	ctx := context.Background()
	store, err := Open(Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < DefaultMaxTurns+3; i++ {
		store.Append(ctx, "dev", NewTurn(RoleUser, fmt.Sprintf("q%d", i)))
	}
	turns, _ := store.Load(ctx, "dev")
	if len(turns) != 5 {
		t.Errorf("Expected the default cap of 5 turns, got %d", len(turns))
	}
}
