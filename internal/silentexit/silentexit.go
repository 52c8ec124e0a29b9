// Package silentexit implements the silent-exit marker used by agent
// engines to end an execution without surfacing it on a user's timeline,
// grounded on original_source/executor/tools/silent_exit.py. It also hosts
// a loopback HTTP tool server standing in for the Python MCP server that
// exposes the same tool to engines (Claude Code) that consume tools over
// MCP rather than native function registration.
package silentexit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Marker is the field name a tool result is checked for.
const Marker = "__silent_exit__"

// DefaultPort matches original_source/executor/mcp_servers/wegent/server.py's
// DEFAULT_MCP_PORT. NewServer does not use it: it always binds an
// OS-assigned loopback port (127.0.0.1:0).
const DefaultPort = 20002

type marker struct {
	SilentExit bool   `json:"__silent_exit__"`
	Reason     string `json:"reason"`
}

// Build returns the JSON payload the silent_exit tool itself returns.
func Build(reason string) string {
	body, _ := json.Marshal(marker{SilentExit: true, Reason: reason})
	return string(body)
}

// Detect reports whether result contains the silent-exit marker. Any
// non-JSON or non-matching payload is treated as "not silent" rather than
// an error, mirroring the Python implementation's bare except.
func Detect(result string) (bool, string) {
	if result == "" {
		return false, ""
	}
	var m marker
	if err := json.Unmarshal([]byte(result), &m); err != nil {
		return false, ""
	}
	if !m.SilentExit {
		return false, ""
	}
	return true, m.Reason
}

// NotifyFunc reports a silent exit to the manager independently of the
// stream's own terminal result, so the outcome can still be inferred if the
// marker is stripped downstream. Implemented by internal/callback.Client.
type NotifyFunc func(ctx context.Context, reason string) error

// Server is a loopback HTTP tool server exposing the silent_exit tool over
// a minimal JSON-RPC-like POST endpoint, for agent engines that consume
// tools via an MCP-style transport instead of a native function call.
type Server struct {
	listener net.Listener
	httpSrv  *http.Server
	notify   NotifyFunc
	log      zerolog.Logger

	mu     sync.Mutex
	called bool
}

// request is the body an agent engine's MCP client posts to invoke the tool.
type request struct {
	Reason string `json:"reason"`
}

type response struct {
	Result string `json:"result"`
}

// NewServer binds to a loopback port (0 = any free port) and returns the
// unstarted server. Call Addr after Start to discover the bound port.
func NewServer(notify NotifyFunc, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind silent-exit tool server: %w", err)
	}
	s := &Server{
		listener: ln,
		notify:   notify,
		log:      log.With().Str("component", "silent_exit_tool_server").Logger(),
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.POST("/tools/silent_exit", s.handleGin)
	s.httpSrv = &http.Server{Handler: engine}
	return s, nil
}

// Addr returns the bound loopback address, e.g. "127.0.0.1:54321".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests until the context is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		_ = s.httpSrv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleGin(c *gin.Context) {
	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		req = request{}
	}

	s.mu.Lock()
	s.called = true
	s.mu.Unlock()

	if s.notify != nil {
		if err := s.notify(c.Request.Context(), req.Reason); err != nil {
			s.log.Warn().Err(err).Msg("independent silent-exit notification failed")
		}
	}

	c.JSON(http.StatusOK, response{Result: Build(req.Reason)})
}

// WasCalled reports whether the tool has been invoked since server start.
func (s *Server) WasCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.called
}
