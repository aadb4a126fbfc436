package graphkb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"
)

// HTTPExecutor talks to a store exposing a query-submission endpoint
// (POST /kb/{keyspace}/graql) and per-node attribute endpoints
// ({handle}/attributes). One executor, and its client, is shared by all calls.
type HTTPExecutor struct {
	client    *resty.Client
	queryPath string
	logger    *zap.Logger
}

// NewHTTPExecutor configures a client against baseURL with the given request timeout.
func NewHTTPExecutor(baseURL, keyspace string, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyspace == "" {
		keyspace = "grakn"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPExecutor{
		client:    client,
		queryPath: "/kb/" + keyspace + "/graql",
		logger:    logger,
	}
}

// Close releases the underlying client.
func (e *HTTPExecutor) Close(context.Context) error {
	return e.client.Close()
}

// Dialect returns Graql.
func (e *HTTPExecutor) Dialect() Dialect {
	return Graql{}
}

// Run posts the query text. Failures are logged with the query and returned
// as *TransportError.
func (e *HTTPExecutor) Run(ctx context.Context, q Query) (*QueryResult, error) {
	res, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(q.Text).
		Post(e.queryPath)
	if err == nil && res.IsError() {
		err = fmt.Errorf("store answered %s", res.Status())
	}
	if err != nil {
		e.logger.Error("graph query failed", zap.String("query", q.Text), zap.Error(err))
		return nil, &TransportError{Query: q.Text, Err: err}
	}
	return decodeQueryResult([]byte(res.String()))
}

// decodeQueryResult reads a row list, an aggregate number, or nothing.
func decodeQueryResult(body []byte) (*QueryResult, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return &QueryResult{}, nil
	}

	switch body[0] {
	case '[':
		var rows []Row
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		out := &QueryResult{}
		for _, r := range rows {
			if len(r) > 0 {
				out.Rows = append(out.Rows, r)
			}
		}
		return out, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		if len(obj) == 0 {
			return &QueryResult{}, nil
		}
		return nil, fmt.Errorf("%w: object response", ErrUnexpectedResponse)
	default:
		var n float64
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		count := int64(n)
		return &QueryResult{Count: &count}, nil
	}
}

type attributeEnvelope struct {
	Attributes []struct {
		Type struct {
			Label string `json:"label"`
		} `json:"type"`
		Value    any    `json:"value"`
		DataType string `json:"data-type"`
	} `json:"attributes"`
}

// Attributes fetches {handle}/attributes. Errors propagate unlogged; the
// composed operations decide what to report.
func (e *HTTPExecutor) Attributes(ctx context.Context, handle string) ([]AttributeRecord, error) {
	path := strings.TrimRight(handle, "/") + "/attributes"
	res, err := e.client.R().SetContext(ctx).Get(path)
	if err == nil && res.IsError() {
		err = fmt.Errorf("store answered %s", res.Status())
	}
	if err != nil {
		return nil, &TransportError{Query: "GET " + path, Err: err}
	}

	var env attributeEnvelope
	if err := json.Unmarshal([]byte(res.String()), &env); err != nil {
		return nil, fmt.Errorf("%w: attributes of %s: %v", ErrUnexpectedResponse, handle, err)
	}
	records := make([]AttributeRecord, 0, len(env.Attributes))
	for _, a := range env.Attributes {
		records = append(records, AttributeRecord{Label: a.Type.Label, Value: a.Value, DataType: a.DataType})
	}
	return records, nil
}
