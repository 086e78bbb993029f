package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/output"
	"github.com/3leaps/framefarm/pkg/protocol"
)

// Server accepts node connections and serves each one on its own goroutine.
type Server struct {
	coord  *Coordinator
	logger *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for coord.
func NewServer(coord *Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coord:  coord,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled.
//
// On cancellation the listener and all open connections are closed and Serve
// waits for the connection handlers to return. It returns nil after a
// cancellation and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAll()
	})
	defer stop()

	s.logger.Info("Dispatcher listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.HandleConn(ctx, conn)
		}()
	}
}

// HandleConn runs the read-reply loop for one node connection.
//
// The loop ends on a closed connection, a protocol error or a failed reply.
// In every case the node's registry entry is removed.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	var nodeID string

	defer func() {
		_ = conn.Close()
		s.coord.Disconnect(context.WithoutCancel(ctx), nodeID, remote)
	}()

	s.logger.Info("Node connected", zap.String("remote", remote))
	if err := s.coord.out.WriteNode(ctx, &output.NodeRecord{Remote: remote, Event: output.NodeEventConnected}); err != nil {
		s.logger.Debug("Failed to write node record", zap.Error(err))
	}

	dec := protocol.NewDecoder(conn)
	for {
		report, err := dec.Next()
		if err != nil {
			s.readFailed(ctx, err, nodeID, remote)
			return
		}
		nodeID = report.NodeID

		reply := s.coord.Report(ctx, report, remote)
		if !reply.Send {
			continue
		}
		if err := protocol.WriteAssignment(conn, reply.Frame); err != nil {
			fields := []zap.Field{
				zap.String("node_id", nodeID),
				zap.String("remote", remote),
				zap.Error(err),
			}
			if reply.Frame != protocol.NoWork {
				fields = append(fields, zap.Int("frame", reply.Frame))
			}
			s.logger.Warn("Failed to send reply", fields...)
			s.writeError(ctx, output.ErrCodeSend, err, nodeID, remote)
			return
		}
	}
}

func (s *Server) readFailed(ctx context.Context, err error, nodeID, remote string) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		s.logger.Info("Node disconnected", zap.String("node_id", nodeID), zap.String("remote", remote))
	case protocol.IsProtocolError(err):
		s.logger.Warn("Malformed message from node",
			zap.String("node_id", nodeID),
			zap.String("remote", remote),
			zap.Error(err))
		s.writeError(ctx, output.ErrCodeProtocol, err, nodeID, remote)
	default:
		s.logger.Warn("Connection error",
			zap.String("node_id", nodeID),
			zap.String("remote", remote),
			zap.Error(err))
	}
}

func (s *Server) writeError(ctx context.Context, code string, err error, nodeID, remote string) {
	if werr := s.coord.out.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		NodeID:  nodeID,
		Remote:  remote,
	}); werr != nil {
		s.logger.Debug("Failed to write error record", zap.Error(werr))
	}
}

// track registers an open connection. It returns false once closeAll ran.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}
