package execution

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/classify"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
	"github.com/ggonzalez94/lendpool-cli/internal/health"
)

func TestStoreSaveGetList(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "operations.db"), filepath.Join(dir, "operations.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := health.DefaultThresholds().Normalize(common.HexToAddress("0x01"), protocolAccount(big.NewInt(100), big.NewInt(0)))
	outcome := Outcome{
		OperationID: "op-1",
		Verb:        planner.VerbSupply,
		Network:     "local",
		Sender:      "0x00000000000000000000000000000000000000AA",
		State:       StateSubmitting,
		Trail:       []Transition{{State: StateIdle, At: now.Format(time.RFC3339)}},
		Before:      &before,
		CreatedAt:   now.Format(time.RFC3339),
		UpdatedAt:   now.Format(time.RFC3339),
	}
	if err := store.Save(outcome); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(outcome.OperationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Verb != planner.VerbSupply {
		t.Fatalf("unexpected verb: %s", got.Verb)
	}
	if got.Before == nil || !got.Before.Infinite {
		t.Fatalf("expected before snapshot to round trip, got %+v", got.Before)
	}

	got.State = StateFailed
	got.Failure = &Failure{Kind: classify.KindReserveFrozen, Stage: StateValidating, Raw: "reserve is frozen"}
	got.Touch(now.Add(time.Minute))
	if err := store.Save(got); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	failed, err := store.List(string(StateFailed), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failed operation, got %d", len(failed))
	}
	if failed[0].ErrorKind() != classify.KindReserveFrozen {
		t.Fatalf("unexpected kind: %s", failed[0].ErrorKind())
	}
	submitting, err := store.List(string(StateSubmitting), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(submitting) != 0 {
		t.Fatalf("expected update to replace state, got %d submitting", len(submitting))
	}
}

func TestStoreGetMissingOperation(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "operations.db"), filepath.Join(dir, "operations.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.Get("missing"); err == nil {
		t.Fatal("expected missing operation error")
	}
}

func TestNilStoreDiscards(t *testing.T) {
	var store *Store
	if err := store.Save(Outcome{OperationID: "x"}); err != nil {
		t.Fatalf("expected nil store save to be a no-op, got %v", err)
	}
}
