package chat

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/hestia-labs/hestia-backend/internal/data/repos/testutil"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
)

func TestPendingStateGetOrCreateIsIdempotent(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := NewSessionPendingStateRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	a, err := repo.GetOrCreate(dbc, "sess-1")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	b, err := repo.GetOrCreate(dbc, "sess-1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same row, got %s and %s", a.ID, b.ID)
	}
}

func TestPendingStateClearTwiceYieldsSameState(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := NewSessionPendingStateRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	if _, err := repo.GetOrCreate(dbc, "sess-2"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := repo.UpdateFields(dbc, "sess-2", map[string]interface{}{
		"is_loading":      true,
		"pending_message": datatypes.JSON([]byte(`{"content":"hi"}`)),
		"request_id":      "r1",
	}); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	clear := map[string]interface{}{
		"is_loading":      false,
		"pending_message": nil,
		"request_id":      "",
	}
	for i := 0; i < 2; i++ {
		if err := repo.UpdateFields(dbc, "sess-2", clear); err != nil {
			t.Fatalf("clear attempt %d: %v", i+1, err)
		}
		row, err := repo.GetBySessionID(dbc, "sess-2")
		if err != nil {
			t.Fatalf("get after clear %d: %v", i+1, err)
		}
		if row.IsLoading {
			t.Fatalf("clear attempt %d: is_loading still true", i+1)
		}
		if len(row.PendingMessage) != 0 {
			t.Fatalf("clear attempt %d: pending_message not null: %s", i+1, row.PendingMessage)
		}
	}
}

func TestPendingStateGuardedUpdateSkipsStaleRequest(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	repo := NewSessionPendingStateRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	if _, err := repo.GetOrCreate(dbc, "sess-3"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	// A newer send owns the row under request r2.
	if err := repo.UpdateFields(dbc, "sess-3", map[string]interface{}{
		"is_loading": true,
		"request_id": "r2",
	}); err != nil {
		t.Fatalf("set r2: %v", err)
	}

	// A slow completion handler for r1 must not clear r2's state.
	applied, err := repo.UpdateFieldsIfRequestID(dbc, "sess-3", "r1", map[string]interface{}{
		"is_loading": false,
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if applied {
		t.Fatalf("stale request r1 should not have matched")
	}

	row, err := repo.GetBySessionID(dbc, "sess-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !row.IsLoading || row.RequestID != "r2" {
		t.Fatalf("r2's state was clobbered: is_loading=%v request_id=%q", row.IsLoading, row.RequestID)
	}

	// The owner clears its own state fine.
	applied, err = repo.UpdateFieldsIfRequestID(dbc, "sess-3", "r2", map[string]interface{}{
		"is_loading": false,
		"request_id": "",
	})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if !applied {
		t.Fatalf("owner request r2 should have matched")
	}
}

func TestPendingStateMissingSessionID(t *testing.T) {
	gdb := testutil.DB(t)
	repo := NewSessionPendingStateRepo(gdb, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	if _, err := repo.GetBySessionID(dbc, ""); err == nil {
		t.Fatalf("expected error for missing session_id")
	}
	if _, err := repo.GetOrCreate(dbc, "  "); err == nil {
		t.Fatalf("expected error for blank session_id")
	}
}
