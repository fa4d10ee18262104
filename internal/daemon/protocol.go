package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing   = "ping"
	MethodStatus = "status"
	MethodHealth = "health"
	MethodCreate = "create"
	MethodDrop   = "drop"
	MethodSearch = "search"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Server error codes for domain failures.
const (
	ErrCodeIndexNotFound = -32001
	ErrCodeIndexExists   = -32002
	ErrCodeQueryTimeout  = -32003
	ErrCodeIndexDegraded = -32004
	ErrCodeUnavailable   = -32005
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Data carries the structured error
// code and, for a search that timed out waiting for consistency, the stale
// response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ErrorData is the payload of Error.Data.
type ErrorData struct {
	Kind     string           `json:"kind,omitempty"`
	Response *search.Response `json:"response,omitempty"`
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, ErrCodeInternalError, "failed to encode result: "+err.Error())
	}
	return Response{JSONRPC: "2.0", Result: data, ID: id}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// errorResponse maps a domain error to a JSON-RPC error, keeping its
// structured code in Data.
func errorResponse(id string, err error, data *ErrorData) Response {
	kind := errors.GetCode(err)
	code := ErrCodeInternalError
	switch kind {
	case errors.ErrCodeInvalidQuery, errors.ErrCodeInvalidInput, errors.ErrCodeSchemaMismatch:
		code = ErrCodeInvalidParams
	case errors.ErrCodeIndexNotFound:
		code = ErrCodeIndexNotFound
	case errors.ErrCodeIndexExists:
		code = ErrCodeIndexExists
	case errors.ErrCodeQueryTimeout:
		code = ErrCodeQueryTimeout
	case errors.ErrCodeIndexDegraded, errors.ErrCodeIndexCapacity, errors.ErrCodeIndexCorrupt:
		code = ErrCodeIndexDegraded
	case errors.ErrCodeClosed:
		code = ErrCodeUnavailable
	}
	if data == nil {
		data = &ErrorData{}
	}
	data.Kind = kind
	resp := NewErrorResponse(id, code, err.Error())
	if raw, merr := json.Marshal(data); merr == nil {
		resp.Error.Data = raw
	}
	return resp
}

// CreateParams are the parameters for the create method.
type CreateParams struct {
	Definition model.IndexDefinition `json:"definition"`
}

// DropParams are the parameters for the drop method.
type DropParams struct {
	Name string `json:"name"`
}

// Validate checks that required fields are present.
func (p *DropParams) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// StatusParams are the parameters for the status method. An empty name
// reports every index.
type StatusParams struct {
	Name string `json:"name,omitempty"`
}

// SearchParams are the parameters for the search method.
type SearchParams struct {
	// Index is the index to search (required).
	Index string `json:"index"`

	// Vector is the query vector (required).
	Vector []float32 `json:"vector"`

	// K is the maximum number of results (default: 10).
	K int `json:"k,omitempty"`

	// Filter keeps results whose metadata matches every pair.
	Filter map[string]string `json:"filter,omitempty"`

	// MaxLag, when set, waits until every partition is within MaxLag
	// positions of its head, for at most TimeoutMS.
	MaxLag    *uint64 `json:"max_lag,omitempty"`
	TimeoutMS int     `json:"timeout_ms,omitempty"`
}

// Validate checks that required fields are present.
func (p *SearchParams) Validate() error {
	if p.Index == "" {
		return fmt.Errorf("index is required")
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("vector is required")
	}
	// Correct non-positive k to default
	if p.K <= 0 {
		p.K = 10
	}
	if p.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	return nil
}

// Query converts the parameters into a search query.
func (p *SearchParams) Query() search.Query {
	q := search.Query{Index: p.Index, Vector: p.Vector, K: p.K, Filter: p.Filter}
	if p.MaxLag != nil {
		q.MinConsistency = &search.MinConsistency{
			MaxLag:  *p.MaxLag,
			Timeout: time.Duration(p.TimeoutMS) * time.Millisecond,
		}
	}
	return q
}

// StatusResult contains server and index status.
type StatusResult struct {
	Running bool              `json:"running"`
	PID     int               `json:"pid"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version,omitempty"`
	Indexes []registry.Status `json:"indexes"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}

// DropResult is the response to a drop request.
type DropResult struct {
	Dropped string `json:"dropped"`
}
