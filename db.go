// Package graphkb is the data-access layer over a graph knowledge store. It
// submits pattern queries, materializes per-node attribute records into
// canonical attribute maps and pages through typed node sets with
// relay-compatible cursors.
package graphkb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// QueryRunner submits a query to the store. Transport failures are returned as
// *TransportError so callers can tell them apart from an empty match.
type QueryRunner interface {
	Run(ctx context.Context, q Query) (*QueryResult, error)
}

// AttributeSource retrieves the raw attribute records of one node by handle.
type AttributeSource interface {
	Attributes(ctx context.Context, handle string) ([]AttributeRecord, error)
}

//---

// Neo4jExecutor runs queries through the official Neo4j Go driver and serves
// node properties as attribute records.
type Neo4jExecutor struct {
	Driver neo4j.DriverWithContext
	DBName string
	// IDProperty names the node property used as identifier; empty means elementId.
	IDProperty string

	logger *zap.Logger
}

// NewNeo4jExecutor creates the driver for uri. Connectivity is not checked;
// call Verify for that.
func NewNeo4jExecutor(uri, username, password, dbName string, logger *zap.Logger) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("could not create Neo4j driver: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Neo4jExecutor{Driver: driver, DBName: dbName, logger: logger}, nil
}

// Verify checks connectivity to the Neo4j server.
func (e *Neo4jExecutor) Verify(ctx context.Context) error {
	return e.Driver.VerifyConnectivity(ctx)
}

// Close releases the driver.
func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.Driver.Close(ctx)
}

// Dialect returns the Cypher dialect matching this executor's identifier scheme.
func (e *Neo4jExecutor) Dialect() Dialect {
	return Cypher{IDProperty: e.IDProperty}
}

func (e *Neo4jExecutor) execute(ctx context.Context, text string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(
		ctx,
		e.Driver,
		text,
		params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(e.DBName),
	)
	if err != nil {
		e.logger.Error("graph query failed", zap.String("query", text), zap.Error(err))
		return nil, &TransportError{Query: text, Err: err}
	}
	return result, nil
}

// Run executes q and converts node values to concepts. Count queries yield the
// "count" column as the aggregate.
func (e *Neo4jExecutor) Run(ctx context.Context, q Query) (*QueryResult, error) {
	result, err := e.execute(ctx, q.Text, q.Params)
	if err != nil {
		return nil, err
	}
	return toQueryResult(q.Kind, result, e.IDProperty)
}

// toQueryResult converts driver records into rows of concepts, or reads the
// "count" column for count queries. Non-node values are skipped.
func toQueryResult(kind QueryKind, result *neo4j.EagerResult, idProperty string) (*QueryResult, error) {
	out := &QueryResult{}
	if kind == KindCountByType {
		if len(result.Records) == 0 {
			return out, nil
		}
		v, ok := result.Records[0].Get("count")
		n, isInt := v.(int64)
		if !ok || !isInt {
			return nil, fmt.Errorf("%w: count column is %T", ErrUnexpectedResponse, v)
		}
		out.Count = &n
		return out, nil
	}

	for _, record := range result.Records {
		row := Row{}
		for i, key := range record.Keys {
			node, ok := record.Values[i].(neo4j.Node)
			if !ok {
				continue
			}
			row[key] = conceptOf(node, idProperty)
		}
		if len(row) > 0 {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func conceptOf(node neo4j.Node, idProperty string) Concept {
	c := Concept{Handle: node.ElementId, ID: node.ElementId}
	if idProperty != "" {
		if id, ok := node.Props[idProperty].(string); ok {
			c.ID = id
		}
	}
	return c
}

// Attributes returns the node's properties as attribute records, one record per
// list element for list-valued properties.
func (e *Neo4jExecutor) Attributes(ctx context.Context, handle string) ([]AttributeRecord, error) {
	result, err := e.execute(ctx,
		"MATCH (n) WHERE elementId(n) = $handle RETURN properties(n) AS props",
		map[string]any{"handle": handle})
	if err != nil {
		return nil, err
	}
	return propsResultToRecords(handle, result)
}

func propsResultToRecords(handle string, result *neo4j.EagerResult) ([]AttributeRecord, error) {
	if len(result.Records) == 0 {
		return nil, fmt.Errorf("node %s: %w", handle, ErrNotFound)
	}
	raw, _ := result.Records[0].Get("props")
	props, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: props column is %T", ErrUnexpectedResponse, raw)
	}
	return propsToRecords(props), nil
}

// propsToRecords flattens a property map into records, labels in sorted order.
func propsToRecords(props map[string]any) []AttributeRecord {
	labels := make([]string, 0, len(props))
	for k := range props {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	records := make([]AttributeRecord, 0, len(props))
	for _, label := range labels {
		if list, ok := props[label].([]any); ok {
			for _, item := range list {
				records = append(records, propRecord(label, item))
			}
			continue
		}
		records = append(records, propRecord(label, props[label]))
	}
	return records
}

func propRecord(label string, v any) AttributeRecord {
	switch v := v.(type) {
	case string:
		return AttributeRecord{Label: label, Value: v, DataType: TypeString}
	case int64:
		return AttributeRecord{Label: label, Value: v, DataType: TypeLong}
	case float64:
		return AttributeRecord{Label: label, Value: v, DataType: TypeDouble}
	case bool:
		return AttributeRecord{Label: label, Value: v, DataType: TypeBoolean}
	case neo4j.LocalDateTime:
		return AttributeRecord{Label: label, Value: v.Time().Format("2006-01-02T15:04:05.999999999"), DataType: TypeDateTime}
	case neo4j.Date:
		return AttributeRecord{Label: label, Value: v.Time().Format("2006-01-02"), DataType: TypeDateTime}
	case time.Time:
		return AttributeRecord{Label: label, Value: v.Format(time.RFC3339Nano), DataType: TypeDateTime}
	default:
		return AttributeRecord{Label: label, Value: fmt.Sprint(v), DataType: TypeString}
	}
}
