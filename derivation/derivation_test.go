package derivation

import (
	"context"
	"math/rand"
	"testing"

	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
)

type fakeStore struct {
	jobs    []*repository.Job
	inserts []*repository.Job
}

func (f *fakeStore) ListByCollection(ctx context.Context, collectionID string) ([]*repository.Job, error) {
	var out []*repository.Job
	for _, j := range f.jobs {
		if j.CollectionID == collectionID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) Insert(ctx context.Context, job *repository.Job) error {
	f.inserts = append(f.inserts, job)
	return nil
}

type fakeQueue struct {
	entries []queue.Entry
}

func (f *fakeQueue) Enqueue(entry queue.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func completedStill(id, collection string) *repository.Job {
	j := repository.New(repository.KindStillTxt, collection, repository.Params{})
	j.ID = id
	_ = j.TransitionTo(repository.StatusProcessing)
	_ = j.TransitionTo(repository.StatusCompleted)
	return j
}

func TestMaybeDeriveEnqueuesWhenRatioLow(t *testing.T) {
	store := &fakeStore{jobs: []*repository.Job{
		completedStill("still-1", "c1"),
		completedStill("still-2", "c1"),
		completedStill("still-3", "c1"),
		completedStill("still-4", "c1"),
		completedStill("still-5", "c1"),
	}}
	q := &fakeQueue{}
	p := New(store, q, rand.New(rand.NewSource(42)))

	if err := p.MaybeDerive(context.Background(), "c1"); err != nil {
		t.Fatalf("MaybeDerive failed: %v", err)
	}
	if len(store.inserts) != 1 {
		t.Fatalf("expected exactly one derived job inserted, got %d", len(store.inserts))
	}
	if len(q.entries) != 1 {
		t.Fatalf("expected exactly one queue entry, got %d", len(q.entries))
	}
	if q.entries[0].Priority != queue.Low || q.entries[0].KindCategory != queue.Animation {
		t.Errorf("expected LOW animation entry, got %+v", q.entries[0])
	}
}

func TestMaybeDeriveNoopWhenRatioMet(t *testing.T) {
	still := completedStill("still-1", "c1")
	anim := repository.New(repository.KindAnimate, "c1", repository.Params{})
	anim.SourceJobID = still.ID

	store := &fakeStore{jobs: []*repository.Job{still, anim}}
	q := &fakeQueue{}
	p := New(store, q, nil)

	if err := p.MaybeDerive(context.Background(), "c1"); err != nil {
		t.Fatalf("MaybeDerive failed: %v", err)
	}
	if len(store.inserts) != 0 {
		t.Errorf("expected no derivation when ratio already met, got %d", len(store.inserts))
	}
}

func TestMaybeDeriveNoopWithNoCandidates(t *testing.T) {
	still := completedStill("still-1", "c1")
	anim := repository.New(repository.KindAnimate, "c1", repository.Params{})
	anim.SourceJobID = still.ID // already has an animate child, disqualified

	store := &fakeStore{jobs: []*repository.Job{still, anim}}
	q := &fakeQueue{}
	p := New(store, q, nil)

	// still-1 already has an animate child, so there is no candidate. A
	// collection with no candidate always meets the ratio (every completed
	// still then has its own animate job), so here the policy returns at the
	// ratio check; verify it neither errors nor derives.
	if err := p.MaybeDerive(context.Background(), "c1"); err != nil {
		t.Fatalf("MaybeDerive failed: %v", err)
	}
	if len(store.inserts) != 0 {
		t.Errorf("expected no insert, got %d", len(store.inserts))
	}
}

func TestMaybeDeriveNoopWhenNoCompletedStill(t *testing.T) {
	store := &fakeStore{}
	q := &fakeQueue{}
	p := New(store, q, nil)

	if err := p.MaybeDerive(context.Background(), "empty"); err != nil {
		t.Fatalf("MaybeDerive failed: %v", err)
	}
	if len(store.inserts) != 0 {
		t.Errorf("expected no insert for empty collection, got %d", len(store.inserts))
	}
}
