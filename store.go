package graphkb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/saulfrancisco-ruizacevedo/go-graphkb"

// Store is the entry point of the access layer. It composes a QueryRunner, an
// AttributeSource and a Materializer into entity lookup, paginated listing and
// deletion. A Store holds no per-call state and is safe for concurrent use.
type Store struct {
	runner  QueryRunner
	attrs   AttributeSource
	dialect Dialect
	mat     *Materializer

	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	defaultFirst int
	maxFirst     int
	concurrency  int

	closer func(context.Context) error
}

// Option customizes a Store.
type Option func(*Store)

// WithDialect sets the query dialect. Defaults to Graql.
func WithDialect(d Dialect) Option {
	return func(s *Store) { s.dialect = d }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithMultiValued replaces the always-list label set.
func WithMultiValued(labels []string) Option {
	return func(s *Store) { s.mat = NewMaterializer(labels) }
}

// WithPageSize sets the default and maximum page size of LoadAll.
func WithPageSize(defaultFirst, maxFirst int) Option {
	return func(s *Store) {
		s.defaultFirst = defaultFirst
		s.maxFirst = maxFirst
	}
}

// WithFetchConcurrency bounds the attribute fetches in flight per LoadAll call.
func WithFetchConcurrency(n int) Option {
	return func(s *Store) { s.concurrency = n }
}

// NewStore creates a Store over the given runner and attribute source, which
// are usually the same executor.
func NewStore(runner QueryRunner, attrs AttributeSource, opts ...Option) *Store {
	s := newStore(runner, attrs, opts...)
	if s.dialect == nil {
		s.dialect = Graql{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// newStore applies opts over the defaults, leaving dialect and logger nil
// unless an option sets them.
func newStore(runner QueryRunner, attrs AttributeSource, opts ...Option) *Store {
	s := &Store{
		runner:       runner,
		attrs:        attrs,
		mat:          NewMaterializer(nil),
		tracer:       otel.Tracer(tracerName),
		defaultFirst: 25,
		concurrency:  16,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds the executor selected by cfg once and returns a Store sharing it.
// A logger passed with WithLogger is used as is; otherwise one is built from
// cfg.Log and synced on Close. The caller must Close the Store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{
		WithMultiValued(cfg.MultiValued),
		WithPageSize(cfg.Pagination.DefaultFirst, cfg.Pagination.MaxFirst),
		WithFetchConcurrency(cfg.FetchConcurrency),
	}
	s := newStore(nil, nil, append(base, opts...)...)

	ownLogger := s.logger == nil
	if ownLogger {
		logger, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}

	var (
		runner  QueryRunner
		attrs   AttributeSource
		dialect Dialect
		closer  func(context.Context) error
	)
	switch cfg.Backend {
	case BackendNeo4j:
		exec, err := NewNeo4jExecutor(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, s.logger)
		if err != nil {
			return nil, err
		}
		exec.IDProperty = cfg.Neo4j.IDProperty
		if err := exec.Verify(ctx); err != nil {
			_ = exec.Close(ctx)
			return nil, fmt.Errorf("could not connect to database '%s': %w", cfg.Neo4j.Database, err)
		}
		runner, attrs, dialect, closer = exec, exec, exec.Dialect(), exec.Close
	default:
		exec := NewHTTPExecutor(cfg.Store.BaseURL, cfg.Store.Keyspace, cfg.Store.Timeout, s.logger)
		runner, attrs, dialect, closer = exec, exec, exec.Dialect(), exec.Close
	}
	if cfg.Breaker.Enabled {
		runner = WithBreaker(runner, cfg.Breaker, s.logger)
	}

	s.runner, s.attrs = runner, attrs
	if s.dialect == nil {
		s.dialect = dialect
	}
	s.closer = closer
	if ownLogger {
		logger := s.logger
		s.closer = func(ctx context.Context) error {
			err := closer(ctx)
			_ = logger.Sync()
			return err
		}
	}
	return s, nil
}

// Close releases the underlying executor, if the Store was created by Open.
func (s *Store) Close(ctx context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer(ctx)
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Store) finish(span trace.Span, op string, start time.Time, err error) {
	s.metrics.observe(op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// LoadOption customizes LoadByID.
type LoadOption func(*loadOptions)

type loadOptions struct {
	preserveType bool
}

// PreserveType wraps each attribute value with its data-type tag.
func PreserveType() LoadOption {
	return func(o *loadOptions) { o.preserveType = true }
}

// LoadByID loads and materializes the node identified by id. The returned
// map's id is the caller-supplied id. A missing node yields ErrNotFound and a
// non-unique id yields ErrAmbiguousID.
func (s *Store) LoadByID(ctx context.Context, id string, opts ...LoadOption) (m *AttributeMap, err error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	ctx, span := s.startSpan(ctx, "graphkb.LoadByID", attribute.String("graphkb.id", id))
	defer func() { s.finish(span, "load", start, err) }()

	node, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.materializeNode(ctx, node.Handle, id, o.preserveType)
}

// lookup resolves id to exactly one concept.
func (s *Store) lookup(ctx context.Context, id string) (Concept, error) {
	q, err := s.dialect.MatchByID(id)
	if err != nil {
		return Concept{}, err
	}
	res, err := s.runner.Run(ctx, q)
	if err != nil {
		return Concept{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	switch len(res.Rows) {
	case 0:
		return Concept{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	case 1:
		return res.Rows[0].Node()
	default:
		return Concept{}, fmt.Errorf("entity %s: %w (expected 1 record but found %d)", id, ErrAmbiguousID, len(res.Rows))
	}
}

func (s *Store) materializeNode(ctx context.Context, handle, id string, preserveType bool) (*AttributeMap, error) {
	s.metrics.fetched()
	records, err := s.attrs.Attributes(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("attributes of %s: %w", handle, err)
	}
	m, err := s.mat.Materialize(id, records, preserveType)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", id, err)
	}
	return m, nil
}

// ListOptions selects one page of LoadAll.
type ListOptions struct {
	Type  string `validate:"required"`
	First int    `validate:"gte=0"`
	After string
	// OrderBy is passed through to the dialect, which currently ignores it.
	OrderBy string
}

// Edge is one node of a Connection and the cursor pointing just past it.
type Edge struct {
	Node   *AttributeMap `json:"node"`
	Cursor string        `json:"cursor"`
}

// PageInfo describes the window a Connection covers. StartCursor and
// EndCursor are empty when the window holds no edges.
type PageInfo struct {
	StartCursor     string `json:"startCursor"`
	EndCursor       string `json:"endCursor"`
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	GlobalCount     int64  `json:"globalCount"`
}

// Connection is the relay-style envelope returned by LoadAll.
type Connection struct {
	Edges    []Edge   `json:"edges"`
	PageInfo PageInfo `json:"pageInfo"`
}

// LoadAll returns one page of the nodes of opts.Type. The count query and the
// window query run concurrently; attribute fetches for the window fan out and
// edges keep the window's row order. Each node's id is its store identifier.
func (s *Store) LoadAll(ctx context.Context, opts ListOptions) (conn *Connection, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "graphkb.LoadAll",
		attribute.String("graphkb.type", opts.Type),
		attribute.Int("graphkb.first", opts.First))
	defer func() { s.finish(span, "list", start, err) }()

	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	first := opts.First
	if first == 0 {
		first = s.defaultFirst
	}
	if s.maxFirst > 0 && first > s.maxFirst {
		return nil, fmt.Errorf("%w: first %d exceeds %d", ErrInvalidArgument, first, s.maxFirst)
	}
	offset := 0
	if opts.After != "" {
		if offset, err = CursorToOffset(opts.After); err != nil {
			return nil, err
		}
		// Edge cursors run up to offset+first and must stay encodable.
		if offset > math.MaxInt-first {
			return nil, fmt.Errorf("%w: offset %d out of range", ErrInvalidCursor, offset)
		}
	}
	if opts.OrderBy != "" {
		s.logger.Debug("orderBy is not applied by the store", zap.String("orderBy", opts.OrderBy))
	}

	countQ, err := s.dialect.CountByType(opts.Type)
	if err != nil {
		return nil, err
	}
	windowQ, err := s.dialect.WindowByType(opts.Type, offset, first, opts.OrderBy)
	if err != nil {
		return nil, err
	}

	var (
		globalCount int64
		nodes       []*AttributeMap
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.runner.Run(gctx, countQ)
		if err != nil {
			return fmt.Errorf("count %s: %w", opts.Type, err)
		}
		if res.Count != nil {
			globalCount = *res.Count
		}
		return nil
	})
	g.Go(func() error {
		res, err := s.runner.Run(gctx, windowQ)
		if err != nil {
			return fmt.Errorf("window %s: %w", opts.Type, err)
		}
		nodes, err = s.materializeRows(gctx, res.Rows)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to load page", zap.String("type", opts.Type), zap.Error(err))
		return nil, err
	}

	return buildConnection(nodes, offset, first, globalCount), nil
}

// materializeRows fetches every row's attributes concurrently and places each
// result at its row's index.
func (s *Store) materializeRows(ctx context.Context, rows []Row) ([]*AttributeMap, error) {
	concepts := make([]Concept, len(rows))
	for i, row := range rows {
		c, err := row.Node()
		if err != nil {
			return nil, err
		}
		concepts[i] = c
	}

	out := make([]*AttributeMap, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, node := range concepts {
		g.Go(func() error {
			m, err := s.materializeNode(gctx, node.Handle, node.Key(), false)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// buildConnection numbers the edges from offset+1 so that each cursor decodes
// to the offset of the item after its edge.
func buildConnection(nodes []*AttributeMap, offset, first int, globalCount int64) *Connection {
	edges := make([]Edge, len(nodes))
	for i, n := range nodes {
		edges[i] = Edge{Node: n, Cursor: OffsetToCursor(offset + i + 1)}
	}
	info := PageInfo{
		HasNextPage:     int64(offset) < globalCount-int64(first),
		HasPreviousPage: offset > 0,
		GlobalCount:     globalCount,
	}
	if len(edges) > 0 {
		info.StartCursor = edges[0].Cursor
		info.EndCursor = edges[len(edges)-1].Cursor
	}
	return &Connection{Edges: edges, PageInfo: info}
}

// Count returns the number of nodes of typeTag.
func (s *Store) Count(ctx context.Context, typeTag string) (n int64, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "graphkb.Count", attribute.String("graphkb.type", typeTag))
	defer func() { s.finish(span, "count", start, err) }()

	q, err := s.dialect.CountByType(typeTag)
	if err != nil {
		return 0, err
	}
	res, err := s.runner.Run(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", typeTag, err)
	}
	if res.Count == nil {
		return 0, nil
	}
	return *res.Count, nil
}

// DeleteByID removes the node identified by id and returns id. Existence is
// checked with the lookup query first; a missing node yields a
// *FunctionalError that matches ErrNotFound.
func (s *Store) DeleteByID(ctx context.Context, id string) (deleted string, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "graphkb.DeleteByID", attribute.String("graphkb.id", id))
	defer func() { s.finish(span, "delete", start, err) }()

	if _, err := s.lookup(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", NewFunctionalError("entity doesn't exist", err)
		}
		return "", err
	}
	q, err := s.dialect.DeleteByID(id)
	if err != nil {
		return "", err
	}
	if _, err := s.runner.Run(ctx, q); err != nil {
		return "", fmt.Errorf("delete %s: %w", id, err)
	}
	s.logger.Info("entity deleted", zap.String("id", id))
	return id, nil
}
