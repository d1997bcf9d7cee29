// Package httpapi translates the routes in section 6 into calls on the
// core: queue, repository, event bus. Handlers are thin glue, per section
// 1's scoping note — all of the hard engineering lives in scheduler,
// queue, pipeline, and workerclient.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/zombar/folio/eventbus"
	"github.com/zombar/folio/metrics"
	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/videoenc"
)

// Store is the subset of repository.Store the HTTP layer needs.
type Store interface {
	Insert(ctx context.Context, job *repository.Job) error
	Get(ctx context.Context, id string) (*repository.Job, error)
	ListByCollection(ctx context.Context, collectionID string) ([]*repository.Job, error)
	ListAnimationsByCollection(ctx context.Context, collectionID string) ([]*repository.Job, error)
	Delete(ctx context.Context, id string) error
}

var _ Store = (*repository.Store)(nil)

// Deps bundles every collaborator the router's handlers call into.
type Deps struct {
	Store       Store
	Queue       *queue.Queue
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
	Encoder     *videoenc.Encoder
	Log         *zap.Logger
	StorageRoot string
}

// Router builds the chi mux wiring section 6's routes onto Deps.
type Router struct {
	deps     Deps
	validate *validator.Validate
}

// New constructs a Router.
func New(deps Deps) *Router {
	return &Router{deps: deps, validate: validator.New()}
}

// Mux builds and returns the configured chi router.
func (rt *Router) Mux() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/generations", func(r chi.Router) {
		r.Post("/", rt.createGeneration)
		r.Get("/", rt.listGenerations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", rt.getGeneration)
			r.Delete("/", rt.deleteGeneration)
			r.Post("/iterate", rt.iterateGeneration)
		})
	})

	r.Get("/portfolios/{id}/animations", rt.listAnimations)
	r.Get("/events/stream", rt.streamEvents)
	r.Get("/health", rt.health)
	r.Get("/metrics", rt.deps.Metrics.Handler(rt.queueStatus))

	return r
}

func (rt *Router) queueStatus() metrics.QueueStatus {
	s := rt.deps.Queue.Status()
	return metrics.QueueStatus{Critical: s.Critical, High: s.High, Low: s.Low, Preempted: s.Preempted}
}

func (rt *Router) streamEvents(w http.ResponseWriter, r *http.Request) {
	rt.deps.Bus.ServeSSE(w, r)
}
