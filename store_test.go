package graphkb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph is an in-memory store answering the Graql patterns this package issues.
type fakeGraph struct {
	mu        sync.Mutex
	nodes     []*fakeNode
	delays    map[string]time.Duration
	runErr    error
	attrErr   error
	duplicate bool
	queries   []string
}

type fakeNode struct {
	id      string
	typ     string
	records []AttributeRecord
}

func (n *fakeNode) handle() string { return "/kb/grakn/concept/" + n.id }

var (
	reMatchID = regexp.MustCompile(`^match \$x id (\S+); get;$`)
	reCount   = regexp.MustCompile(`^match \$count isa (\S+); aggregate count;$`)
	reWindow  = regexp.MustCompile(`^match \$x isa (\S+); offset (\d+); limit (\d+); get;$`)
	reDelete  = regexp.MustCompile(`^match \$x id (\S+); delete \$x;$`)
)

func newFakeGraph() *fakeGraph {
	return &fakeGraph{delays: map[string]time.Duration{}}
}

func (f *fakeGraph) add(typ, id string, records ...AttributeRecord) {
	f.nodes = append(f.nodes, &fakeNode{id: id, typ: typ, records: records})
}

func (f *fakeGraph) row(n *fakeNode) Row {
	return Row{"x": Concept{Handle: n.handle(), ID: n.id}}
}

func (f *fakeGraph) Run(_ context.Context, q Query) (*QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q.Text)
	if f.runErr != nil {
		return nil, &TransportError{Query: q.Text, Err: f.runErr}
	}

	switch {
	case reMatchID.MatchString(q.Text):
		id := reMatchID.FindStringSubmatch(q.Text)[1]
		out := &QueryResult{}
		for _, n := range f.nodes {
			if n.id == id {
				out.Rows = append(out.Rows, f.row(n))
				if f.duplicate {
					out.Rows = append(out.Rows, f.row(n))
				}
			}
		}
		return out, nil
	case reCount.MatchString(q.Text):
		typ := reCount.FindStringSubmatch(q.Text)[1]
		var n int64
		for _, node := range f.nodes {
			if node.typ == typ {
				n++
			}
		}
		return &QueryResult{Count: &n}, nil
	case reWindow.MatchString(q.Text):
		m := reWindow.FindStringSubmatch(q.Text)
		offset, _ := strconv.Atoi(m[2])
		limit, _ := strconv.Atoi(m[3])
		out := &QueryResult{}
		seen := 0
		for _, n := range f.nodes {
			if n.typ != m[1] {
				continue
			}
			if seen >= offset && len(out.Rows) < limit {
				out.Rows = append(out.Rows, f.row(n))
			}
			seen++
		}
		return out, nil
	case reDelete.MatchString(q.Text):
		id := reDelete.FindStringSubmatch(q.Text)[1]
		kept := f.nodes[:0]
		for _, n := range f.nodes {
			if n.id != id {
				kept = append(kept, n)
			}
		}
		f.nodes = kept
		return &QueryResult{}, nil
	}
	return nil, fmt.Errorf("fake: unsupported query %q", q.Text)
}

func (f *fakeGraph) Attributes(ctx context.Context, handle string) ([]AttributeRecord, error) {
	f.mu.Lock()
	var found *fakeNode
	for _, n := range f.nodes {
		if n.handle() == handle {
			found = n
		}
	}
	delay, attrErr := f.delays[handle], f.attrErr
	f.mu.Unlock()

	if attrErr != nil {
		return nil, attrErr
	}
	if found == nil {
		return nil, ErrNotFound
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return found.records, nil
}

func usersGraph(n int) *fakeGraph {
	g := newFakeGraph()
	for i := 1; i <= n; i++ {
		g.add("User", fmt.Sprintf("U%d", i), rec("name", fmt.Sprintf("user-%d", i)))
	}
	return g
}

func edgeIDs(c *Connection) []string {
	ids := make([]string, len(c.Edges))
	for i, e := range c.Edges {
		ids[i] = e.Node.ID()
	}
	return ids
}

func TestStore_LoadByID(t *testing.T) {
	g := newFakeGraph()
	g.add("Threat-Actor", "V123", rec("name", "Alpha"), rec("stix_label", "x"))
	s := NewStore(g, g)

	m, err := s.LoadByID(context.Background(), "V123")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "V123", "name": "Alpha", "stix_label": []any{"x"}}, m.ToMap())
}

func TestStore_LoadByID_PreserveType(t *testing.T) {
	g := newFakeGraph()
	g.add("Threat-Actor", "V1", AttributeRecord{Label: "created", Value: "2018-05-01T10:20:30", DataType: TypeDateTime})
	s := NewStore(g, g)

	m, err := s.LoadByID(context.Background(), "V1", PreserveType())
	require.NoError(t, err)
	assert.Equal(t, TypedValue{Type: TypeDateTime, Value: "2018-05-01T10:20:30Z"}, m.ToMap()["created"])
}

func TestStore_LoadByID_NotFound(t *testing.T) {
	g := newFakeGraph()
	s := NewStore(g, g)

	m, err := s.LoadByID(context.Background(), "V404")
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestStore_LoadByID_Ambiguous(t *testing.T) {
	g := newFakeGraph()
	g.add("User", "V1", rec("name", "a"))
	g.duplicate = true
	s := NewStore(g, g)

	_, err := s.LoadByID(context.Background(), "V1")
	assert.ErrorIs(t, err, ErrAmbiguousID)
}

func TestStore_LoadByID_TransportFailure(t *testing.T) {
	g := newFakeGraph()
	g.runErr = errors.New("connection refused")
	s := NewStore(g, g)

	_, err := s.LoadByID(context.Background(), "V1")
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrNotFound)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "match $x id V1; get;", te.Query)
}

func TestStore_LoadByID_RejectsUnsafeID(t *testing.T) {
	g := newFakeGraph()
	s := NewStore(g, g)

	_, err := s.LoadByID(context.Background(), "V1; delete $x")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, g.queries)
}

func TestStore_LoadAll_Pages(t *testing.T) {
	ctx := context.Background()
	g := usersGraph(5)
	s := NewStore(g, g)

	page1, err := s.LoadAll(ctx, ListOptions{Type: "User", First: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, edgeIDs(page1))
	assert.Equal(t, int64(5), page1.PageInfo.GlobalCount)
	assert.True(t, page1.PageInfo.HasNextPage)
	assert.False(t, page1.PageInfo.HasPreviousPage)
	assert.Equal(t, OffsetToCursor(1), page1.PageInfo.StartCursor)
	assert.Equal(t, OffsetToCursor(2), page1.PageInfo.EndCursor)

	page2, err := s.LoadAll(ctx, ListOptions{Type: "User", First: 2, After: page1.Edges[1].Cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"U3", "U4"}, edgeIDs(page2))
	assert.True(t, page2.PageInfo.HasPreviousPage)
	assert.True(t, page2.PageInfo.HasNextPage)
	assert.Equal(t, OffsetToCursor(3), page2.Edges[0].Cursor)
	assert.Equal(t, OffsetToCursor(4), page2.Edges[1].Cursor)

	page3, err := s.LoadAll(ctx, ListOptions{Type: "User", First: 2, After: page2.PageInfo.EndCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"U5"}, edgeIDs(page3))
	assert.False(t, page3.PageInfo.HasNextPage)
}

func TestStore_LoadAll_EmptyWindow(t *testing.T) {
	g := newFakeGraph()
	s := NewStore(g, g)

	conn, err := s.LoadAll(context.Background(), ListOptions{Type: "Type", First: 25})
	require.NoError(t, err)
	assert.Empty(t, conn.Edges)
	assert.NotNil(t, conn.Edges)
	assert.Equal(t, PageInfo{}, conn.PageInfo)
}

func TestStore_LoadAll_PageInfoMath(t *testing.T) {
	tests := []struct {
		name          string
		total         int
		first, offset int
		wantNext      bool
		wantPrev      bool
		wantEdges     int
	}{
		{"first page", 5, 2, 0, true, false, 2},
		{"window ends at total", 5, 2, 3, false, true, 2},
		{"window past total", 5, 2, 4, false, true, 1},
		{"offset beyond total", 5, 2, 9, false, true, 0},
		{"everything in one page", 3, 25, 0, false, false, 3},
		{"exact fit", 4, 4, 0, false, false, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := usersGraph(tt.total)
			s := NewStore(g, g)
			opts := ListOptions{Type: "User", First: tt.first}
			if tt.offset > 0 {
				opts.After = OffsetToCursor(tt.offset)
			}

			conn, err := s.LoadAll(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, conn.PageInfo.HasNextPage)
			assert.Equal(t, tt.wantPrev, conn.PageInfo.HasPreviousPage)
			assert.Equal(t, int64(tt.total), conn.PageInfo.GlobalCount)
			assert.Len(t, conn.Edges, tt.wantEdges)
		})
	}
}

func TestStore_LoadAll_OffsetOutOfRange(t *testing.T) {
	g := usersGraph(3)
	s := NewStore(g, g)

	for _, offset := range []int{math.MaxInt - 1, math.MaxInt} {
		_, err := s.LoadAll(context.Background(), ListOptions{Type: "User", First: 2, After: OffsetToCursor(offset)})
		assert.ErrorIs(t, err, ErrInvalidCursor)
	}

	conn, err := s.LoadAll(context.Background(), ListOptions{Type: "User", First: 2, After: OffsetToCursor(math.MaxInt - 2)})
	require.NoError(t, err)
	assert.Empty(t, conn.Edges)
	assert.False(t, conn.PageInfo.HasNextPage)
	assert.True(t, conn.PageInfo.HasPreviousPage)
}

func TestBuildConnection_LargeOffset(t *testing.T) {
	conn := buildConnection(nil, math.MaxInt-2, 2, 3)
	assert.False(t, conn.PageInfo.HasNextPage)

	nodes := []*AttributeMap{newAttributeMap(0), newAttributeMap(0)}
	conn = buildConnection(nodes, math.MaxInt-2, 2, math.MaxInt64)
	require.Len(t, conn.Edges, 2)
	last, err := CursorToOffset(conn.PageInfo.EndCursor)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt, last)
	assert.False(t, conn.PageInfo.HasNextPage)
}

func TestStore_LoadAll_DefaultFirst(t *testing.T) {
	g := usersGraph(30)
	s := NewStore(g, g)

	conn, err := s.LoadAll(context.Background(), ListOptions{Type: "User"})
	require.NoError(t, err)
	assert.Len(t, conn.Edges, 25)
	assert.True(t, conn.PageInfo.HasNextPage)
}

func TestStore_LoadAll_PreservesRowOrder(t *testing.T) {
	g := usersGraph(6)
	for i, n := range g.nodes {
		g.delays[n.handle()] = time.Duration(len(g.nodes)-i) * 5 * time.Millisecond
	}
	s := NewStore(g, g, WithFetchConcurrency(6))

	conn, err := s.LoadAll(context.Background(), ListOptions{Type: "User", First: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2", "U3", "U4", "U5", "U6"}, edgeIDs(conn))
}

func TestStore_LoadAll_OrderByHasNoEffect(t *testing.T) {
	ctx := context.Background()
	g := usersGraph(4)
	s := NewStore(g, g)

	plain, err := s.LoadAll(ctx, ListOptions{Type: "User", First: 4})
	require.NoError(t, err)
	ordered, err := s.LoadAll(ctx, ListOptions{Type: "User", First: 4, OrderBy: "name_DESC"})
	require.NoError(t, err)
	assert.Equal(t, edgeIDs(plain), edgeIDs(ordered))
}

func TestStore_LoadAll_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("transport failure", func(t *testing.T) {
		g := usersGraph(2)
		g.runErr = errors.New("timeout")
		_, err := NewStore(g, g).LoadAll(ctx, ListOptions{Type: "User"})
		assert.ErrorIs(t, err, ErrTransport)
	})
	t.Run("attribute fetch failure", func(t *testing.T) {
		g := usersGraph(2)
		g.attrErr = &TransportError{Query: "GET attributes", Err: errors.New("reset")}
		_, err := NewStore(g, g).LoadAll(ctx, ListOptions{Type: "User"})
		assert.ErrorIs(t, err, ErrTransport)
	})
	t.Run("bad cursor", func(t *testing.T) {
		g := usersGraph(2)
		_, err := NewStore(g, g).LoadAll(ctx, ListOptions{Type: "User", After: "nope"})
		assert.ErrorIs(t, err, ErrInvalidCursor)
	})
	t.Run("negative first", func(t *testing.T) {
		g := usersGraph(2)
		_, err := NewStore(g, g).LoadAll(ctx, ListOptions{Type: "User", First: -1})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
	t.Run("first above max", func(t *testing.T) {
		g := usersGraph(2)
		_, err := NewStore(g, g, WithPageSize(10, 50)).LoadAll(ctx, ListOptions{Type: "User", First: 51})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
	t.Run("missing type", func(t *testing.T) {
		g := usersGraph(2)
		_, err := NewStore(g, g).LoadAll(ctx, ListOptions{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestStore_Count(t *testing.T) {
	g := usersGraph(3)
	g.add("Malware", "M1")
	s := NewStore(g, g)

	n, err := s.Count(context.Background(), "User")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStore_DeleteByID(t *testing.T) {
	ctx := context.Background()
	g := usersGraph(2)
	s := NewStore(g, g)

	id, err := s.DeleteByID(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "U1", id)

	_, err = s.LoadByID(ctx, "U1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteByID_NotFound(t *testing.T) {
	g := usersGraph(1)
	s := NewStore(g, g)

	_, err := s.DeleteByID(context.Background(), "U9")
	var fe *FunctionalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "entity doesn't exist", fe.Error())
	assert.ErrorIs(t, err, ErrNotFound)
	for _, q := range g.queries {
		assert.NotContains(t, q, "delete")
	}
}

func TestStore_DeleteByID_TransportFailure(t *testing.T) {
	g := usersGraph(1)
	g.runErr = errors.New("connection refused")
	s := NewStore(g, g)

	_, err := s.DeleteByID(context.Background(), "U1")
	assert.ErrorIs(t, err, ErrTransport)
	var fe *FunctionalError
	assert.False(t, errors.As(err, &fe))
}

func TestStore_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	g := usersGraph(3)
	s := NewStore(g, g, WithMetrics(metrics))

	_, err = s.LoadByID(ctx, "U1")
	require.NoError(t, err)
	_, err = s.LoadByID(ctx, "U9")
	require.Error(t, err)
	_, err = s.LoadAll(ctx, ListOptions{Type: "User"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("load", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("load", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("list", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.fetches))
}
