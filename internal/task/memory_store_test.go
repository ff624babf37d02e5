package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func seedTask(t *testing.T, store Store, id string, now time.Time) {
	t.Helper()
	err := store.Create(context.Background(), &Task{
		ID:                  id,
		Description:         "summarise " + id,
		Complexity:          "standard",
		Status:              StatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
		ClaimWindowClosesAt: now.Add(30 * time.Second),
		DeadlineAt:          now.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedTask(t, store, "t1", now)
	err := store.Create(context.Background(), &Task{ID: "t1", Status: StatusOpen})
	if !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreTransitionRejectsIllegal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedTask(t, store, "t1", now)

	if _, err := store.Transition(ctx, "t1", StatusDone, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("open -> done must be rejected, got %v", err)
	}
	task, _ := store.Get(ctx, "t1")
	if task.Status != StatusOpen {
		t.Fatalf("rejected transition changed state to %s", task.Status)
	}
	if _, err := store.Transition(ctx, "missing", StatusExpired, now); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreClaimsAndSelection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedTask(t, store, "t1", now)

	for i, seller := range []string{"s1", "s2", "s3"} {
		claim, err := store.AddClaim(ctx, &Claim{ID: fmt.Sprintf("c%d", i+1), TaskID: "t1", SellerID: seller, SubmittedAt: now.Add(time.Second)})
		if err != nil {
			t.Fatalf("add claim: %v", err)
		}
		if claim.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, claim.Seq)
		}
	}
	if _, err := store.AddClaim(ctx, &Claim{ID: "dup", TaskID: "t1", SellerID: "s2", SubmittedAt: now}); !errors.Is(err, ErrDuplicateClaim) {
		t.Fatalf("expected duplicate claim, got %v", err)
	}

	selected, err := store.SelectClaim(ctx, "t1", "c2", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.Status != StatusClaimed || selected.SelectedSellerID != "s2" {
		t.Fatalf("unexpected selection: %+v", selected)
	}
	if _, err := store.SelectClaim(ctx, "t1", "c1", now.Add(3*time.Second)); !errors.Is(err, ErrClaimAlreadySelected) {
		t.Fatalf("second selection must fail, got %v", err)
	}
	if _, err := store.AddClaim(ctx, &Claim{ID: "late", TaskID: "t1", SellerID: "s9", SubmittedAt: now.Add(3 * time.Second)}); !errors.Is(err, ErrTaskNotOpen) {
		t.Fatalf("claims after selection must be rejected, got %v", err)
	}

	if _, err := store.Transition(ctx, "t1", StatusExecuting, now.Add(4*time.Second)); err != nil {
		t.Fatalf("claimed -> executing: %v", err)
	}
	if _, err := store.Transition(ctx, "t1", StatusDone, now.Add(5*time.Second)); err != nil {
		t.Fatalf("executing -> done: %v", err)
	}
	claims, err := store.Claims(ctx, "t1")
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("terminal transition must purge claims, got %d", len(claims))
	}
	final, _ := store.Get(ctx, "t1")
	if final.SelectedClaimID != "c2" {
		t.Fatalf("selection must survive claim purge")
	}
}

func TestMemoryStoreClaimWindowClosed(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedTask(t, store, "t1", now)
	_, err := store.AddClaim(context.Background(), &Claim{ID: "c1", TaskID: "t1", SellerID: "s1", SubmittedAt: now.Add(31 * time.Second)})
	if !errors.Is(err, ErrTaskNotOpen) {
		t.Fatalf("expected TaskNotOpen after window, got %v", err)
	}
}

func TestMemoryStoreConcurrentSelectionIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedTask(t, store, "t1", now)
	for i := 0; i < 8; i++ {
		if _, err := store.AddClaim(ctx, &Claim{ID: fmt.Sprintf("c%d", i), TaskID: "t1", SellerID: fmt.Sprintf("s%d", i), SubmittedAt: now}); err != nil {
			t.Fatalf("add claim: %v", err)
		}
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.SelectClaim(ctx, "t1", fmt.Sprintf("c%d", i), now.Add(time.Second)); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrClaimAlreadySelected) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning selection, got %d", wins.Load())
	}
}

func TestMemoryStoreListAndOverdue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	seedTask(t, store, "t1", base)
	seedTask(t, store, "t2", base.Add(time.Second))
	seedTask(t, store, "t3", base.Add(2*time.Second))
	if _, err := store.Transition(ctx, "t1", StatusExpired, base.Add(40*time.Second)); err != nil {
		t.Fatalf("expire: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t1" {
		t.Fatalf("expected most recently updated first, got %+v", all)
	}

	open, err := store.List(ctx, BuildListOptions(WithStatuses(StatusOpen), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 || open[0].ID != "t2" {
		t.Fatalf("unexpected open list: %+v", open)
	}

	paged, err := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if err != nil || len(paged) != 1 || paged[0].ID != "t3" {
		t.Fatalf("unexpected page: %+v %v", paged, err)
	}

	due, err := store.Overdue(ctx, base.Add(31*time.Second), 10)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "t2" {
		t.Fatalf("expected only t2 overdue, got %+v", due)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Open != 2 || stats.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
