// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"
)

// Server is a Modbus TCP server answering from a shared Store.
// A stopped server can be started again.
type Server struct {
	store      *Store
	dispatcher *Dispatcher
	opts       *serverOptions
	metrics    *ServerMetrics

	mu  sync.Mutex
	run *serverRun // nil while stopped
}

// serverRun is the state of one Start/Stop cycle.
type serverRun struct {
	listener net.Listener
	done     chan struct{} // closed by Stop

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	wg sync.WaitGroup // accept loop + connection handlers
}

// NewServer creates a new Modbus TCP server over store.
func NewServer(store *Store, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		store:      store,
		dispatcher: NewDispatcher(store, options.identity, options.logger),
		opts:       options,
		metrics:    NewServerMetrics(),
	}
}

// Store returns the store the server answers from.
func (s *Server) Store() *Store {
	return s.store
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Identity returns the identification the server reports.
func (s *Server) Identity() *DeviceIdentity {
	return s.opts.identity
}

// Start listens on addr and serves connections in the background.
// It returns ErrServerRunning if the server is already running and the
// listen error if the address cannot be bound.
func (s *Server) Start(addr string) error {
	if s.Running() {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("modbus: listen on %s: %w", addr, err)
	}

	run, err := s.attach(listener)
	if err != nil {
		listener.Close()
		return err
	}
	go s.serve(run)
	return nil
}

// Serve serves connections on listener until Stop is called.
// It returns nil after Stop.
func (s *Server) Serve(listener net.Listener) error {
	run, err := s.attach(listener)
	if err != nil {
		return err
	}
	return s.serve(run)
}

// ListenAndServe starts the server on addr and stops it when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil && !errors.Is(err, ErrServerStopped) {
		return err
	}
	return nil
}

// Stop closes the listener, lets in-flight requests complete and closes
// every connection. Connections still busy after the drain timeout are
// closed forcibly. Stop returns ErrServerStopped if the server is not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil || !s.detach(run) {
		return ErrServerStopped
	}

	err := run.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	// Unblock idle readers; a handler busy with a request still writes
	// its response before noticing the deadline.
	run.interrupt()
	if !run.wait(s.opts.drainTimeout) {
		s.opts.logger.Warn("drain timeout, closing connections",
			slog.Int("conns", run.count()))
		run.closeAll()
		run.wg.Wait()
	}

	s.opts.logger.Info("server stopped")
	return err
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Addr returns the server's address, or nil while stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return s.run.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return 0
	}
	return run.count()
}

func (s *Server) attach(listener net.Listener) (*serverRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil, ErrServerRunning
	}

	run := &serverRun{
		listener: listener,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	run.wg.Add(1)
	s.run = run
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))
	return run, nil
}

// detach marks run as stopped. Only the first caller for a run gets true.
func (s *Server) detach(run *serverRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run {
		return false
	}
	s.run = nil
	close(run.done)
	return true
}

func (s *Server) serve(run *serverRun) error {
	defer run.wg.Done()

	var backoff time.Duration
	for {
		conn, err := run.listener.Accept()
		if err != nil {
			select {
			case <-run.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				// Listener closed behind our back: nothing left to accept.
				s.opts.logger.Error("listener closed", slog.String("error", err.Error()))
				if s.detach(run) {
					run.closeAll()
				}
				return err
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.opts.logger.Error("accept error",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-run.done:
				return nil
			}
			continue
		}
		backoff = 0

		if !s.track(run, conn) {
			continue
		}

		// Configure TCP options
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(run, conn)
	}
}

// track registers conn with run, or closes it when the run is stopping
// or the connection limit is reached.
func (s *Server) track(run *serverRun, conn net.Conn) bool {
	run.mu.Lock()
	defer run.mu.Unlock()

	select {
	case <-run.done:
		conn.Close()
		return false
	default:
	}

	if s.opts.maxConns > 0 && len(run.conns) >= s.opts.maxConns {
		s.opts.logger.Warn("max connections reached, rejecting",
			slog.String("remote", conn.RemoteAddr().String()))
		s.metrics.RejectedConns.Add(1)
		conn.Close()
		return false
	}

	run.conns[conn] = struct{}{}
	run.wg.Add(1)
	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)
	return true
}

func (s *Server) handleConn(run *serverRun, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		run.mu.Lock()
		delete(run.conns, conn)
		run.mu.Unlock()
		s.metrics.ActiveConns.Add(-1)
		run.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted", slog.String("remote", remote))

	for {
		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}
		select {
		case <-run.done:
			return
		default:
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			s.logReadError(run, remote, err)
			return
		}

		start := timeNow()
		pdu := s.dispatcher.Handle(frame.PDU)
		s.metrics.observe(FunctionCode(frame.PDU[0]), pdu[0]&0x80 != 0, timeNow().Sub(start))

		s.opts.logger.Debug("request served",
			slog.String("remote", remote),
			slog.Uint64("tx_id", uint64(frame.Header.TransactionID)),
			slog.Uint64("unit_id", uint64(frame.Header.UnitID)),
			slog.String("func", FunctionCode(frame.PDU[0]).String()))

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}
		if err := WriteFrame(conn, frame.Reply(pdu)); err != nil {
			s.metrics.WriteErrors.Add(1)
			s.opts.logger.Debug("write error",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) logReadError(run *serverRun, remote string, err error) {
	select {
	case <-run.done:
		return
	default:
	}

	var netErr net.Error
	switch {
	case err == io.EOF:
		s.opts.logger.Debug("connection closed by peer", slog.String("remote", remote))
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.opts.logger.Debug("truncated frame", slog.String("remote", remote))
	case errors.Is(err, ErrInvalidFrame):
		s.metrics.FrameErrors.Add(1)
		s.opts.logger.Debug("dropping connection",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
	case errors.As(err, &netErr) && netErr.Timeout():
		s.opts.logger.Debug("idle timeout", slog.String("remote", remote))
	default:
		s.opts.logger.Debug("read error",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
	}
}

func (r *serverRun) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// interrupt forces pending reads on every connection to return.
func (r *serverRun) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := timeNow()
	for conn := range r.conns {
		conn.SetReadDeadline(now)
	}
}

func (r *serverRun) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		conn.Close()
	}
}

// wait waits for the accept loop and all handlers, up to timeout.
func (r *serverRun) wait(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		return false
	}
}

// timeNow is a variable for testing
var timeNow = time.Now
