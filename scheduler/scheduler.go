// Package scheduler runs the single-flight priority loop described in
// section 4.8: dequeue the highest-priority entry, dispatch it to the
// matching pipeline, and complete it, checking for preemption on a fixed
// poll interval while the pipeline runs. WAL replay happens once,
// synchronously, before the loop starts.
package scheduler

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/zombar/folio/eventbus"
	"github.com/zombar/folio/metrics"
	"github.com/zombar/folio/pipeline"
	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
)

// idleSleep is how long Run sleeps after finding the queue empty before
// polling again.
const idleSleep = 100 * time.Millisecond

// Store is the subset of repository.Store the scheduler needs to load a
// dequeued job before dispatching it to a pipeline.
type Store interface {
	Get(ctx context.Context, id string) (*repository.Job, error)
	Update(ctx context.Context, job *repository.Job) error
}

// ImagePipeline runs a still-image job to completion or failure.
type ImagePipeline interface {
	Run(ctx context.Context, job *repository.Job)
}

// AnimationPipeline runs an animate job to completion or failure.
type AnimationPipeline interface {
	Run(ctx context.Context, job *repository.Job)
}

var (
	_ ImagePipeline     = (*pipeline.ImagePipeline)(nil)
	_ AnimationPipeline = (*pipeline.AnimationPipeline)(nil)
)

// Scheduler drives the priority queue, dispatching each dequeued entry to
// the pipeline matching its kind category.
type Scheduler struct {
	queue          *queue.Queue
	store          Store
	imagePipeline  ImagePipeline
	animPipeline   AnimationPipeline
	bus            *eventbus.Bus
	metrics        *metrics.Metrics
	log            *zap.Logger
	preemptionPoll time.Duration
}

// Config bundles Scheduler's construction dependencies.
type Config struct {
	Queue          *queue.Queue
	Store          Store
	ImagePipeline  ImagePipeline
	AnimPipeline   AnimationPipeline
	Bus            *eventbus.Bus
	Metrics        *metrics.Metrics
	Log            *zap.Logger
	PreemptionPoll time.Duration // how often to check ShouldPreempt while a job runs
}

// New constructs a Scheduler from cfg, defaulting PreemptionPoll to 250ms.
func New(cfg Config) *Scheduler {
	poll := cfg.PreemptionPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Scheduler{
		queue:          cfg.Queue,
		store:          cfg.Store,
		imagePipeline:  cfg.ImagePipeline,
		animPipeline:   cfg.AnimPipeline,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		log:            cfg.Log,
		preemptionPoll: poll,
	}
}

// Run drives the scheduler loop until ctx is canceled. If WAL replay
// restored a current entry (a job that was mid-flight when the process
// last stopped), that entry is resumed first: every pipeline step writes
// its artifacts keyed by job id, so re-running from the beginning is safe.
func (s *Scheduler) Run(ctx context.Context) error {
	if status := s.queue.Status(); status.Current != nil {
		s.log.Info("resuming in-flight job restored from wal replay",
			zap.String("job_id", status.Current.JobID))
		s.executeEntry(ctx, *status.Current, true)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry, err := s.queue.Dequeue()
		if err != nil {
			s.log.Error("dequeue failed", zap.Error(err))
			continue
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}

		s.executeEntry(ctx, *entry, false)
	}
}

// executeEntry drives a single entry through set-current, dispatch, and
// completion (or preemption). alreadyCurrent is true only for the one
// WAL-replay-restored entry resumed at startup, which is already the
// queue's current slot and must not be set again.
func (s *Scheduler) executeEntry(ctx context.Context, entry queue.Entry, alreadyCurrent bool) {
	if !alreadyCurrent {
		if err := s.queue.SetCurrent(entry); err != nil {
			s.log.Error("set_current failed", zap.Error(err), zap.String("job_id", entry.JobID))
			return
		}
	}

	job, err := s.store.Get(ctx, entry.JobID)
	if err != nil {
		s.log.Error("failed to load job for dispatch", zap.Error(err), zap.String("job_id", entry.JobID))
		if err := s.queue.Complete(entry.JobID); err != nil {
			s.log.Error("complete failed after load error", zap.Error(err), zap.String("job_id", entry.JobID))
		}
		return
	}

	preempted := s.dispatch(ctx, entry, job)

	if preempted {
		s.handlePreemption(ctx, entry, job)
		return
	}
	if err := s.queue.Complete(entry.JobID); err != nil {
		s.log.Error("complete failed", zap.Error(err), zap.String("job_id", entry.JobID))
	}
}

// dispatch runs job's pipeline in a goroutine while polling ShouldPreempt at
// preemptionPoll intervals. When a poll finds preemption due, the
// pipeline's context is canceled at once, which aborts whichever step
// (upload, submit, wait, fetch, encode) is in flight; the run does not wait
// for the current step to finish.
func (s *Scheduler) dispatch(ctx context.Context, entry queue.Entry, job *repository.Job) (preempted bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		switch entry.KindCategory {
		case queue.Animation:
			s.animPipeline.Run(runCtx, job)
		default:
			s.imagePipeline.Run(runCtx, job)
		}
	}()

	ticker := time.NewTicker(s.preemptionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return preempted
		case <-ticker.C:
			if !preempted && s.queue.ShouldPreempt() {
				preempted = true
				s.log.Info("preempting job", zap.String("job_id", job.ID))
				cancel()
			}
		}
	}
}

// handlePreemption rewinds a preempted job to pending and pushes it onto
// the front of the preempted deque. If the pipeline actually finished
// before the cancellation took effect, the job is already terminal and is
// completed normally instead.
func (s *Scheduler) handlePreemption(ctx context.Context, entry queue.Entry, job *repository.Job) {
	if job.IsTerminal() {
		if err := s.queue.Complete(entry.JobID); err != nil {
			s.log.Error("complete failed after late-finishing preempt race", zap.Error(err), zap.String("job_id", entry.JobID))
		}
		return
	}

	if err := job.TransitionTo(repository.StatusPending); err != nil {
		// The job reached some other non-terminal state we don't expect;
		// complete it rather than leave it stuck off every band.
		s.log.Error("cannot rewind preempted job to pending", zap.Error(err), zap.String("job_id", entry.JobID))
		if err := s.queue.Complete(entry.JobID); err != nil {
			s.log.Error("complete failed after rewind failure", zap.Error(err), zap.String("job_id", entry.JobID))
		}
		return
	}
	job.SetProgress(0)

	if err := s.store.Update(ctx, job); err != nil {
		s.log.Error("failed to persist preemption rewind", zap.Error(err), zap.String("job_id", entry.JobID))
	}

	checkpoint, err := json.Marshal(map[string]string{"job_id": job.ID})
	if err != nil {
		s.log.Error("failed to encode preemption checkpoint", zap.Error(err), zap.String("job_id", entry.JobID))
		checkpoint = json.RawMessage("{}")
	}
	if _, err := s.queue.PreemptCurrent(checkpoint); err != nil {
		s.log.Error("preempt_current failed", zap.Error(err), zap.String("job_id", entry.JobID))
	}

	s.metrics.RecordJobPreempted()
	s.bus.Publish("generation.preempted", map[string]any{
		"job_id":        job.ID,
		"collection_id": job.CollectionID,
		"status":        string(job.Status),
	})
}

