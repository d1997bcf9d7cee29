// Package derivation implements the auto-derivation policy: after a
// still-txt job completes, maintain a minimum animate:still ratio per
// collection by spawning a derived animate job when the collection falls
// short. It is pure arithmetic over repository queries, the same small,
// library-free shape as a plain counter.
package derivation

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
)

const (
	minAnimateRatio = 0.25

	derivedMotionBucket    = 15
	derivedFPS             = 8
	derivedDurationSeconds = 2.0
)

// Enqueuer is the subset of queue.Queue the policy needs, so the policy can
// be tested without a real WAL-backed queue.
type Enqueuer interface {
	Enqueue(entry queue.Entry) error
}

// Store is the subset of repository.Store the policy needs.
type Store interface {
	ListByCollection(ctx context.Context, collectionID string) ([]*repository.Job, error)
	Insert(ctx context.Context, job *repository.Job) error
}

// Policy evaluates and applies the auto-derivation rule.
type Policy struct {
	store Store
	queue Enqueuer
	rand  *rand.Rand
}

// New creates a Policy. rng may be nil, in which case a default source seeded
// from the global rand package is used; tests inject a deterministic one.
func New(store Store, q Enqueuer, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Policy{store: store, queue: q, rand: rng}
}

// MaybeDerive implements section 4.9: after a still-txt completion in
// collection C, if n_anim/n_txt < 0.25, pick uniformly at random one
// completed still-txt job with no animate child and enqueue a LOW-priority
// animate derivation for it. At most one derivation is enqueued per call.
func (p *Policy) MaybeDerive(ctx context.Context, collectionID string) error {
	jobs, err := p.store.ListByCollection(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("derivation: failed to list collection %s: %w", collectionID, err)
	}

	var completedStill []*repository.Job
	hasAnimateChild := make(map[string]bool)
	nAnim := 0

	for _, j := range jobs {
		if j.Kind == repository.KindAnimate {
			nAnim++
			if j.SourceJobID != "" {
				hasAnimateChild[j.SourceJobID] = true
			}
		}
		if j.Kind == repository.KindStillTxt && j.Status == repository.StatusCompleted {
			completedStill = append(completedStill, j)
		}
	}

	nTxt := len(completedStill)
	if nTxt == 0 {
		return nil
	}
	if float64(nAnim)/float64(nTxt) >= minAnimateRatio {
		return nil
	}

	var candidates []*repository.Job
	for _, j := range completedStill {
		if !hasAnimateChild[j.ID] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	pick := candidates[p.rand.Intn(len(candidates))]
	return p.derive(ctx, pick)
}

func (p *Policy) derive(ctx context.Context, source *repository.Job) error {
	params := repository.Params{
		Seed:            int64(p.rand.Uint32()),
		MotionBucket:    derivedMotionBucket,
		FPS:             derivedFPS,
		DurationSeconds: derivedDurationSeconds,
		SourceImagePath: source.ImagePath,
	}
	job := repository.New(repository.KindAnimate, source.CollectionID, params)
	job.SourceJobID = source.ID

	if err := p.store.Insert(ctx, job); err != nil {
		return fmt.Errorf("derivation: failed to insert derived job: %w", err)
	}

	entry := queue.Entry{
		JobID:        job.ID,
		KindCategory: queue.Animation,
		Priority:     queue.Low,
	}
	if err := p.queue.Enqueue(entry); err != nil {
		return fmt.Errorf("derivation: failed to enqueue derived job %s: %w", job.ID, err)
	}
	return nil
}
