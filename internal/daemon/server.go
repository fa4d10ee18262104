package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
)

// RequestHandler serves the administrative and query methods.
type RequestHandler interface {
	Create(ctx context.Context, def model.IndexDefinition) error
	Drop(ctx context.Context, name string) error
	Search(ctx context.Context, q search.Query) (search.Response, error)
	// Indexes reports one index, or all of them when name is empty.
	Indexes(name string) ([]registry.Status, error)
	Health() registry.Health
}

// Server listens on a Unix socket and handles one JSON-RPC request per
// connection.
type Server struct {
	socketPath string
	timeout    time.Duration
	version    string
	listener   net.Listener
	handler    RequestHandler
	logger     *slog.Logger
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path cannot be empty")
	}
	return &Server{
		socketPath: socketPath,
		timeout:    30 * time.Second,
		logger:     slog.Default(),
	}, nil
}

// SetHandler sets the request handler.
func (s *Server) SetHandler(h RequestHandler) {
	s.handler = h
}

// SetLogger replaces the default logger.
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetTimeout bounds the time a connection may stay open.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetVersion sets the version reported by status.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.logger.Warn("socket_chmod_failed", slog.String("error", err.Error()))
	}
	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()

	// Clean up socket on exit
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("server_listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.logger.Warn("set_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	start := time.Now()
	resp := s.handleRequest(ctx, req)
	if err := encoder.Encode(resp); err != nil {
		s.logger.Warn("write_response_failed", slog.String("error", err.Error()))
	}
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("id", req.ID),
		slog.Duration("elapsed", time.Since(start)),
	}
	if resp.Error != nil {
		attrs = append(attrs, slog.Int("code", resp.Error.Code))
	}
	s.logger.Debug("request", attrs...)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})
	}

	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	switch req.Method {
	case MethodStatus:
		return s.handleStatus(req)
	case MethodHealth:
		return NewSuccessResponse(req.ID, s.handler.Health())
	case MethodCreate:
		return s.handleCreate(ctx, req)
	case MethodDrop:
		return s.handleDrop(ctx, req)
	case MethodSearch:
		return s.handleSearch(ctx, req)
	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func decodeParams(req Request, v any) *Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		resp := NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params: "+err.Error())
		return &resp
	}
	return nil
}

func (s *Server) handleStatus(req Request) Response {
	var params StatusParams
	if resp := decodeParams(req, &params); resp != nil {
		return *resp
	}
	indexes, err := s.handler.Indexes(params.Name)
	if err != nil {
		return errorResponse(req.ID, err, nil)
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return NewSuccessResponse(req.ID, StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Uptime:  time.Since(started).Round(time.Second).String(),
		Version: s.version,
		Indexes: indexes,
	})
}

func (s *Server) handleCreate(ctx context.Context, req Request) Response {
	var params CreateParams
	if resp := decodeParams(req, &params); resp != nil {
		return *resp
	}
	if err := s.handler.Create(ctx, params.Definition); err != nil {
		return errorResponse(req.ID, err, nil)
	}
	indexes, err := s.handler.Indexes(params.Definition.Name)
	if err != nil {
		return errorResponse(req.ID, err, nil)
	}
	return NewSuccessResponse(req.ID, indexes[0])
}

func (s *Server) handleDrop(ctx context.Context, req Request) Response {
	var params DropParams
	if resp := decodeParams(req, &params); resp != nil {
		return *resp
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.Drop(ctx, params.Name); err != nil {
		return errorResponse(req.ID, err, nil)
	}
	return NewSuccessResponse(req.ID, DropResult{Dropped: params.Name})
}

// handleSearch runs a query. A consistency timeout still returns the stale
// response inside the error data.
func (s *Server) handleSearch(ctx context.Context, req Request) Response {
	var params SearchParams
	if resp := decodeParams(req, &params); resp != nil {
		return *resp
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	resp, err := s.handler.Search(ctx, params.Query())
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeQueryTimeout {
			return errorResponse(req.ID, err, &ErrorData{Response: &resp})
		}
		return errorResponse(req.ID, err, nil)
	}
	return NewSuccessResponse(req.ID, resp)
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
