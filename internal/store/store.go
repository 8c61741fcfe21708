// Package store holds the versioned in-memory cache the sync layer writes
// and the view layer reads projections of.
//
// Every field that can be updated independently carries the timestamp of
// its last write, and an update only lands when it is at least as new as
// what is stored. Equal timestamps go to the later arrival. Each pipeline
// and agent also carries a monotonic version, bumped on every full write,
// that reconciliation uses to reject fetches that lost a race.
//
// A Cache is not safe for concurrent use. It is owned by the sync loop.
package store

import (
	"fmt"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// DefaultMaxPipelines bounds the pipeline table when no size is configured.
const DefaultMaxPipelines = 512

// Kind names an entity family that carries versions.
type Kind string

const (
	KindPipeline Kind = "pipeline"
	KindAgent    Kind = "agent"
)

// Cache is the sync layer's single source of truth.
type Cache struct {
	logger *logging.Logger

	pipelines *lru.Cache[string, *pipelineEntry]
	agents    map[string]*agentEntry

	// terminated agent id -> termination timestamp
	tombstones map[string]time.Time

	alerts   *ledger[protocol.SecurityAlert]
	reviews  *ledger[protocol.PendingReview]
	commands *ledger[protocol.ElevatedCommandRequest]

	onEvict func(pipelineID string)
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	maxPipelines int
	logger       *logging.Logger
	onEvict      func(string)
}

// WithMaxPipelines bounds how many pipelines are kept. The least recently
// written pipeline is evicted first.
func WithMaxPipelines(n int) Option {
	return func(o *options) {
		o.maxPipelines = n
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEvictHook registers a function called when a pipeline is evicted.
func WithEvictHook(fn func(pipelineID string)) Option {
	return func(o *options) {
		o.onEvict = fn
	}
}

// New creates an empty Cache.
func New(opts ...Option) (*Cache, error) {
	o := options{
		maxPipelines: DefaultMaxPipelines,
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxPipelines <= 0 {
		return nil, fmt.Errorf("store: max pipelines must be positive, got %d", o.maxPipelines)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}

	c := &Cache{
		logger:     o.logger,
		agents:     make(map[string]*agentEntry),
		tombstones: make(map[string]time.Time),
		alerts:     newAlertLedger(),
		reviews:    newReviewLedger(),
		commands:   newCommandLedger(),
		onEvict:    o.onEvict,
	}

	pipelines, err := lru.NewWithEvict[string, *pipelineEntry](o.maxPipelines, c.evicted)
	if err != nil {
		return nil, errors.Wrap(err, "store: create pipeline table")
	}
	c.pipelines = pipelines
	return c, nil
}

func (c *Cache) evicted(id string, _ *pipelineEntry) {
	c.logger.WithPipeline(id).Info("pipeline evicted from cache")
	if c.onEvict != nil {
		c.onEvict(id)
	}
}

// Version returns the current version of an entity, or zero if unknown.
func (c *Cache) Version(kind Kind, id string) uint64 {
	switch kind {
	case KindPipeline:
		if e, ok := c.pipelines.Peek(id); ok {
			return e.version
		}
	case KindAgent:
		if e, ok := c.agents[id]; ok {
			return e.version
		}
	}
	return 0
}

// IDs returns the sorted ids of every cached entity of kind.
func (c *Cache) IDs(kind Kind) []string {
	var ids []string
	switch kind {
	case KindPipeline:
		ids = c.pipelines.Keys()
	case KindAgent:
		ids = make([]string, 0, len(c.agents))
		for id := range c.agents {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// checkVersion rejects a reconciliation write when the entity advanced
// past the version captured at fetch time.
func checkVersion(kind Kind, id string, current, captured uint64) error {
	if current > captured {
		return fmt.Errorf("%s %s: version %d advanced past %d: %w",
			kind, id, current, captured, errors.ErrStaleWrite)
	}
	return nil
}
