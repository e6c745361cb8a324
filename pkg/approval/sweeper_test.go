package approval

import (
	"context"
	"testing"
	"time"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/registry"
)

func registryInput(name string) registry.CreateInput {
	return registry.CreateInput{Owner: owner, Content: []byte(name), FileName: name + ".pdf"}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := f.clock.Now().Add(time.Minute)
	later := f.clock.Now().Add(24 * time.Hour)
	due := f.submit(t, f.document(t).ID, custody.Parallel, approvers, &soon)

	// a second document with a later deadline
	doc, err := f.reg.CreateDocument(ctx, registryInput("second"))
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	notDue := f.submit(t, doc.ID, custody.Parallel, approvers, &later)

	f.clock.Advance(time.Hour)
	n, err := f.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d requests, want 1", n)
	}

	got, _ := f.engine.Get(ctx, due.ID, "")
	if got.Status != custody.StatusExpired {
		t.Errorf("due request status = %s", got.Status)
	}
	got, _ = f.engine.Get(ctx, notDue.ID, "")
	if got.Status != custody.StatusPending {
		t.Errorf("later request status = %s", got.Status)
	}

	if n, _ := f.engine.SweepExpired(ctx); n != 0 {
		t.Errorf("second sweep expired %d requests", n)
	}
}

func TestSweeperRunsInBackground(t *testing.T) {
	f := newFixture(t)
	soon := f.clock.Now().Add(time.Minute)
	req := f.submit(t, f.document(t).ID, custody.Parallel, approvers, &soon)
	f.clock.Advance(time.Hour)

	s := NewSweeper(f.engine, 10*time.Millisecond)
	s.Start()
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, _, err := f.store.GetApproval(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("GetApproval failed: %v", err)
		}
		if r.Status == custody.StatusExpired {
			s.Stop()
			s.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not expire the overdue request")
}
