// Package rpc exposes the orchestrator over JSON-RPC for internal clients.
package rpc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/service"
)

// ServiceName is the name methods are registered under, e.g.
// "Orchestrator.StartTurn".
const ServiceName = "Orchestrator"

// Server exposes internal RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the orchestrator service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, errors.Wrap(err, "register rpc handler")
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Warn().Err(err).Msg("RPC accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements orchestrator RPC methods. Calls run on a background
// context: net/rpc has no per-call cancellation.
type Handler struct {
	service *service.Service
}

// RunRequest identifies a run.
type RunRequest struct {
	RunID string `json:"run_id"`
}

// StartTurn runs a turn to completion. A failed run is reported as an error
// whose text names the run.
func (h *Handler) StartTurn(req *domain.StartTurnRequest, resp *domain.TurnResult) error {
	if req == nil {
		return errors.New("start turn request is required")
	}
	return settle(h.service.StartTurn(context.Background(), *req))(resp)
}

// ResendTurn edits the latest user message and runs the turn again.
func (h *Handler) ResendTurn(req *domain.ResendRequest, resp *domain.TurnResult) error {
	if req == nil {
		return errors.New("resend request is required")
	}
	if req.MessageID == "" {
		return errors.New("message_id is required")
	}
	return settle(h.service.ResendTurn(context.Background(), *req))(resp)
}

// CancelRun cancels a running run and returns it in its terminal status.
func (h *Handler) CancelRun(req *RunRequest, resp *domain.Run) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	run, err := h.service.CancelRun(context.Background(), req.RunID)
	if err != nil {
		return err
	}
	*resp = *run
	return nil
}

// GetRun returns a run with its steps.
func (h *Handler) GetRun(req *RunRequest, resp *domain.Run) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	run, err := h.service.GetRunWithSteps(context.Background(), req.RunID)
	if err != nil {
		return err
	}
	*resp = *run
	return nil
}

func settle(result *domain.TurnResult, err error) func(*domain.TurnResult) error {
	return func(resp *domain.TurnResult) error {
		if err != nil {
			return err
		}
		if result != nil {
			*resp = *result
		}
		return nil
	}
}
