package graphkb

import (
	"fmt"
	"regexp"

	"github.com/saulfrancisco-ruizacevedo/gocypher"
)

// nodeVar is the pattern variable every dialect binds matched nodes to.
const nodeVar = "x"

// QueryKind names the operation a Query performs; used for logs and metrics.
type QueryKind string

const (
	KindMatchByID   QueryKind = "match_by_id"
	KindCountByType QueryKind = "count_by_type"
	KindWindow      QueryKind = "window_by_type"
	KindDeleteByID  QueryKind = "delete_by_id"
)

// Query is a store-specific query pattern plus optional bound parameters.
type Query struct {
	Kind   QueryKind
	Text   string
	Params map[string]any
}

// Concept is a node reference as returned in a result row: the store's
// addressable handle and the identifier callers use.
type Concept struct {
	Handle string `json:"@id"`
	ID     string `json:"id"`
}

// Key returns the identifier, falling back to the handle.
func (c Concept) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Handle
}

// Row maps pattern variables to the concepts they matched.
type Row map[string]Concept

// Node returns the concept bound to the node variable.
func (r Row) Node() (Concept, error) {
	c, ok := r[nodeVar]
	if !ok || c.Handle == "" {
		return Concept{}, fmt.Errorf("%w: row has no handle for $%s", ErrUnexpectedResponse, nodeVar)
	}
	return c, nil
}

// QueryResult holds the rows of a match query or the value of an aggregate.
type QueryResult struct {
	Rows  []Row
	Count *int64
}

// IsEmpty reports whether the store returned neither rows nor an aggregate.
func (r *QueryResult) IsEmpty() bool {
	return r == nil || (len(r.Rows) == 0 && r.Count == nil)
}

// Dialect renders the queries this layer issues in a store's query language.
type Dialect interface {
	MatchByID(id string) (Query, error)
	CountByType(typeTag string) (Query, error)
	// WindowByType selects one page of nodes of typeTag. orderBy is accepted so
	// callers can pass it through, but no dialect applies it yet.
	WindowByType(typeTag string, offset, limit int, orderBy string) (Query, error)
	DeleteByID(id string) (Query, error)
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

func checkIdent(what, v string) error {
	if !identPattern.MatchString(v) {
		return fmt.Errorf("%w: %s %q", ErrInvalidArgument, what, v)
	}
	return nil
}

// Graql renders Graql patterns for the HTTP query-submission endpoint.
// Graql has no parameter binding, so identifiers are validated before interpolation.
type Graql struct{}

// MatchByID selects the concept with the given id.
func (Graql) MatchByID(id string) (Query, error) {
	if err := checkIdent("id", id); err != nil {
		return Query{}, err
	}
	return Query{Kind: KindMatchByID, Text: fmt.Sprintf("match $%s id %s; get;", nodeVar, id)}, nil
}

// CountByType counts the instances of typeTag.
func (Graql) CountByType(typeTag string) (Query, error) {
	if err := checkIdent("type", typeTag); err != nil {
		return Query{}, err
	}
	return Query{Kind: KindCountByType, Text: fmt.Sprintf("match $count isa %s; aggregate count;", typeTag)}, nil
}

// WindowByType selects limit instances of typeTag after skipping offset.
func (Graql) WindowByType(typeTag string, offset, limit int, _ string) (Query, error) {
	if err := checkIdent("type", typeTag); err != nil {
		return Query{}, err
	}
	return Query{
		Kind: KindWindow,
		Text: fmt.Sprintf("match $%s isa %s; offset %d; limit %d; get;", nodeVar, typeTag, offset, limit),
	}, nil
}

// DeleteByID deletes the concept with the given id.
func (Graql) DeleteByID(id string) (Query, error) {
	if err := checkIdent("id", id); err != nil {
		return Query{}, err
	}
	return Query{Kind: KindDeleteByID, Text: fmt.Sprintf("match $%s id %s; delete $%s;", nodeVar, id, nodeVar)}, nil
}

// Cypher renders Cypher for the Neo4j executor. When IDProperty is empty the
// node's element id is the identifier, otherwise the named property is.
type Cypher struct {
	IDProperty string
}

// MatchByID returns the node matching id by element id or IDProperty.
func (c Cypher) MatchByID(id string) (Query, error) {
	if c.IDProperty == "" {
		return Query{
			Kind:   KindMatchByID,
			Text:   fmt.Sprintf("MATCH (%s) WHERE elementId(%s) = $id RETURN %s", nodeVar, nodeVar, nodeVar),
			Params: map[string]any{"id": id},
		}, nil
	}
	text, params, err := gocypher.NewQueryBuilder().
		Match(gocypher.N(nodeVar, "").WithProperties(map[string]interface{}{c.IDProperty: id})).
		Return(nodeVar).
		Build()
	if err != nil {
		return Query{}, fmt.Errorf("could not build query: %w", err)
	}
	return Query{Kind: KindMatchByID, Text: text, Params: params}, nil
}

// CountByType counts the nodes labelled typeTag.
func (Cypher) CountByType(typeTag string) (Query, error) {
	if err := checkIdent("type", typeTag); err != nil {
		return Query{}, err
	}
	return Query{
		Kind: KindCountByType,
		Text: fmt.Sprintf("MATCH (%s:`%s`) RETURN count(%s) AS count", nodeVar, typeTag, nodeVar),
	}, nil
}

// WindowByType returns one SKIP/LIMIT page of nodes labelled typeTag.
func (Cypher) WindowByType(typeTag string, offset, limit int, _ string) (Query, error) {
	if err := checkIdent("type", typeTag); err != nil {
		return Query{}, err
	}
	return Query{
		Kind:   KindWindow,
		Text:   fmt.Sprintf("MATCH (%s:`%s`) RETURN %s SKIP $offset LIMIT $limit", nodeVar, typeTag, nodeVar),
		Params: map[string]any{"offset": offset, "limit": limit},
	}, nil
}

// DeleteByID detaches and deletes the node matching id.
func (c Cypher) DeleteByID(id string) (Query, error) {
	if c.IDProperty == "" {
		return Query{
			Kind:   KindDeleteByID,
			Text:   fmt.Sprintf("MATCH (%s) WHERE elementId(%s) = $id DETACH DELETE %s", nodeVar, nodeVar, nodeVar),
			Params: map[string]any{"id": id},
		}, nil
	}
	text, params, err := gocypher.NewQueryBuilder().
		Match(gocypher.N(nodeVar, "").WithProperties(map[string]interface{}{c.IDProperty: id})).
		DetachDelete(nodeVar).
		Build()
	if err != nil {
		return Query{}, fmt.Errorf("could not build query: %w", err)
	}
	return Query{Kind: KindDeleteByID, Text: text, Params: params}, nil
}
