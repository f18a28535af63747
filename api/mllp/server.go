package mllp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// NetworkError is a transport failure talking to a peer.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mllp %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Handler answers one inbound message with the payload to send back.
type Handler interface {
	Handle(ctx context.Context, payload []byte) []byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) []byte

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) []byte {
	return f(ctx, payload)
}

// Server accepts MLLP connections and serves each on its own goroutine.
// Messages on a connection are answered in order.
type Server struct {
	config.Config
	handler     Handler
	maxBytes    int
	idleTimeout time.Duration

	mutex    *sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewServer creates a server answering messages with handler.
func NewServer(cfg *config.Config, handler Handler) *Server {
	return &Server{
		Config:      *cfg,
		handler:     handler,
		maxBytes:    cfg.Environment.MaxMessageBytes,
		idleTimeout: time.Duration(cfg.Environment.ConnIdleTimeoutSec) * time.Second,
		mutex:       &sync.Mutex{},
		conns:       map[net.Conn]struct{}{},
	}
}

// Start listens on addr and accepts connections in the background.
func (s *Server) Start(addr string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return &NetworkError{Op: "listen", Addr: addr, Err: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.accept(ctx, listener)
	s.Logger.Infof("Listening for MLLP connections on %s", listener.Addr())
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) accept(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			s.Logger.Warnf("Accept failed, retrying in %s: %v", wait, &NetworkError{Op: "accept", Addr: listener.Addr().String(), Err: err})
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()

		s.mutex.Lock()
		if !s.running {
			s.mutex.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		conn.Close()
	}()

	peer := conn.RemoteAddr().String()
	s.Logger.Infof("Accepted connection from %s", peer)
	reader := bufio.NewReader(conn)
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		payload, err := hl7.ReadFrame(reader, s.maxBytes)
		if err != nil {
			switch {
			case err == io.EOF:
				s.Logger.Infof("Connection from %s closed", peer)
			case errors.Is(err, hl7.ErrFraming):
				s.Logger.Warnf("Dropping connection from %s: %v", peer, err)
			case ctx.Err() != nil:
			default:
				s.Logger.Warnf("Connection from %s failed: %v", peer, &NetworkError{Op: "read", Addr: peer, Err: err})
			}
			return
		}

		reply := s.handler.Handle(ctx, payload)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(hl7.Frame(reply)); err != nil {
			s.Logger.Warnf("Connection from %s failed: %v", peer, &NetworkError{Op: "write", Addr: peer, Err: err})
			return
		}
	}
}

// Shutdown stops accepting, cancels the handlers and closes every open
// connection.
func (s *Server) Shutdown() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
	s.Logger.Info("MLLP server stopped")
}
