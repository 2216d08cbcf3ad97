package uds

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mkondo/graphflow/internal/model"
)

type HandlerFunc func(req *Request) *Response

// Server accepts one request per connection on a unix socket and dispatches
// it to the handler registered for the request's command. It shares the
// daemon's logger rather than the process-global one.
type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *log.Logger
	logLevel    model.LogLevel
}

func NewServer(socketPath string, logger *log.Logger, logLevel model.LogLevel) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		logLevel:    logLevel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
	// Remove stale socket file
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Socket carries control of the pipeline; owner-only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log(model.LogLevelError, "accept error=%v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log(model.LogLevelError, "panic in handler: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log(model.LogLevelWarn, "read request error=%v", err)
		return
	}

	start := time.Now()
	resp := s.processRequest(&req)
	s.log(model.LogLevelDebug, "request command=%s ok=%t dur=%s",
		req.Command, resp.Success, time.Since(start).Round(time.Microsecond))

	if err := WriteFrame(conn, resp); err != nil {
		s.log(model.LogLevelWarn, "write response command=%s error=%v", req.Command, err)
	}
}

func (s *Server) processRequest(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		s.log(model.LogLevelWarn, "unknown command=%q", req.Command)
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}

	return handler(req)
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s uds: %s", time.Now().Format(time.RFC3339), level, msg)
}
