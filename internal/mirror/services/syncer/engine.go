package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/blockmirror/internal/mirror/common/clock"
	"github.com/haukened/blockmirror/internal/mirror/common/log"
	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
	"github.com/haukened/blockmirror/internal/mirror/services/query"
)

// Error message constants for consistent error handling
const (
	errStoreRequired  = "store is required"
	errRemoteRequired = "remote client is required"
)

const (
	defaultChunkSize    = 100
	defaultFetchTimeout = 5 * time.Second
)

// RemoteClient is the remote service collaborator.
type RemoteClient interface {
	// FetchListPage returns one page of list items; an empty NextCursor ends the list.
	FetchListPage(ctx context.Context, listURI, cursor string, limit int) (domain.RemotePage, error)
	CreateBlockRecord(ctx context.Context, handle, listURI string) (domain.CreatedRecord, error)
	DeleteBlockRecord(ctx context.Context, recordURI string) error
}

// Options configures the sync engine.
type Options struct {
	// required parameters
	Store  blocked.Store
	Remote RemoteClient
	// Repository serves membership reads; nil reads the store directly.
	Repository blocked.Repository
	// ChunkSize is the page size requested from the remote; defaults to 100.
	ChunkSize int
	// FetchTimeout bounds every remote call attempt; defaults to 5s.
	FetchTimeout time.Duration
	Retry        RetryPolicy
	// options to inject for testing purposes
	Events EventSink
	Logger log.Logger
	Clock  clock.Clock
}

// Engine is the sole writer of the local mirror. It keeps records, list
// aggregates and the search index consistent with each other and with the
// remote service.
type Engine struct {
	store        blocked.Store
	remote       RemoteClient
	repo         blocked.Repository
	query        *query.Facade
	chunkSize    int
	fetchTimeout time.Duration
	retry        RetryPolicy
	events       EventSink
	logger       log.Logger
	clock        clock.Clock
	inst         *instrumentation

	// lists serializes multi-step writes per list; fetches serializes whole
	// load and refresh runs per list.
	lists   *keyedMutex
	fetches *keyedMutex
	loads   singleflight.Group

	mu     sync.Mutex
	states map[string]domain.ListState
	// inflight maps record ids with a remote create in progress to a channel
	// closed when that add finishes.
	inflight map[string]chan struct{}
}

// NewEngine validates opts and applies defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New(errStoreRequired)
	}
	if opts.Remote == nil {
		return nil, errors.New(errRemoteRequired)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Events == nil {
		opts.Events = nopSink{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	logger := log.OrNoop(opts.Logger)
	return &Engine{
		store:        opts.Store,
		remote:       opts.Remote,
		repo:         opts.Repository,
		query:        query.New(opts.Store, opts.Repository),
		chunkSize:    opts.ChunkSize,
		fetchTimeout: opts.FetchTimeout,
		retry:        opts.Retry.withDefaults(),
		events:       opts.Events,
		logger:       logger,
		clock:        opts.Clock,
		inst:         newInstrumentation(logger),
		lists:        newKeyedMutex(),
		fetches:      newKeyedMutex(),
		states:       make(map[string]domain.ListState),
		inflight:     make(map[string]chan struct{}),
	}, nil
}

// Query exposes the read side over the same store.
func (e *Engine) Query() *query.Facade { return e.query }

// State reports the lifecycle of listURI. Lists the engine has not touched
// since start are Loaded when their persisted load completed, else Empty.
func (e *Engine) State(listURI string) domain.ListState {
	e.mu.Lock()
	s, ok := e.states[listURI]
	e.mu.Unlock()
	if ok {
		return s
	}
	md, err := e.store.GetMetadata(listURI)
	if err == nil && md.IsComplete {
		return domain.ListLoaded
	}
	return domain.ListEmpty
}

func (e *Engine) setState(listURI string, to domain.ListState) {
	from := e.State(listURI)
	if from != to && !domain.CanTransition(from, to) {
		e.logger.Warn(map[string]any{"list": listURI, "from": from.String(), "to": to.String()}, "state_transition_unexpected")
	}
	e.mu.Lock()
	e.states[listURI] = to
	e.mu.Unlock()
}

func (e *Engine) forgetState(listURI string) {
	e.mu.Lock()
	delete(e.states, listURI)
	e.mu.Unlock()
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Ops           map[string]OpStats
	Repo          blocked.RepoStats
	Store         blocked.StoreStats
	DroppedEvents uint64
}

func (e *Engine) Stats() Stats {
	st := Stats{Ops: e.inst.snapshot(), Store: e.store.Stats()}
	if e.repo != nil {
		st.Repo = e.repo.RepoStats()
	}
	if d, ok := e.events.(interface{ Dropped() uint64 }); ok {
		st.DroppedEvents = d.Dropped()
	}
	return st
}

func (e *Engine) emit(ev domain.Event) {
	ev.At = e.clock.Now()
	e.events.Emit(ev)
}

func (e *Engine) emitError(listURI string, err error) {
	e.emit(domain.Event{Kind: domain.EventError, ListURI: listURI, Err: err})
}

func (e *Engine) warn(w domain.ConsistencyWarning) {
	e.logger.Warn(map[string]any{"list": w.ListURI, "handle": w.Handle, "reason": w.Reason}, "consistency_warning")
	e.emit(domain.Event{Kind: domain.EventWarning, ListURI: w.ListURI, Handle: w.Handle, Warning: &w})
}

// call runs one remote call under the retry policy with a per-attempt timeout.
func call[T any](ctx context.Context, e *Engine, op, listURI string, fn func(context.Context) (T, error)) (T, error) {
	notify := func(attempt int, err error, wait time.Duration) {
		e.logger.Warn(map[string]any{"op": op, "list": listURI, "attempt": attempt, "wait": wait, "error": err}, "remote_retry")
	}
	return retry(ctx, e.retry, notify, func(ctx context.Context) (T, error) {
		actx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
		return fn(actx)
	})
}

// SearchBlockedUsers pages the members of listURI whose handle contains q.
func (e *Engine) SearchBlockedUsers(ctx context.Context, listURI, q string, page, pageSize int) (query.SearchResult, error) {
	var res query.SearchResult
	err := e.inst.instrument("search", map[string]any{"list": listURI, "query": q}, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		res, err = e.query.Search(listURI, q, page, pageSize)
		return err
	})
	return res, err
}
