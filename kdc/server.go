package kdc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kardianos/gokdc/krblog"
)

// MaxMessageSize bounds a TCP request.
const MaxMessageSize = 65535

// ServerConfig configures the network transport.
type ServerConfig struct {
	// ListenAddr is the address to listen on (default ":88").
	ListenAddr string

	// Logger for debug output. If nil, logs are discarded.
	Logger *krblog.Logger
}

// Handler answers one encoded request. *Engine implements it.
type Handler interface {
	HandleRequest(ctx context.Context, raw []byte) []byte
}

// Server serves a Handler over UDP and TCP.
type Server struct {
	config  ServerConfig
	handler Handler
	log     *krblog.Logger

	udpListener *net.UDPConn
	tcpListener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	conns   sync.WaitGroup

	// Lifecycle channels
	ready    chan struct{} // closed when listeners are ready
	done     chan struct{} // closed when fully stopped
	doneOnce sync.Once
}

// NewServer creates a server for h.
func NewServer(cfg ServerConfig, h Handler) (*Server, error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":88"
	}
	return &Server{
		config:  cfg,
		handler: h,
		log:     cfg.Logger,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start starts the server in the background, listening on UDP and TCP.
// The server stops when ctx is cancelled.
// Use Wait() to block until the server has fully stopped. A Server runs
// once; if Start fails the server counts as stopped and Wait returns.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}
	select {
	case <-s.done:
		return fmt.Errorf("server stopped")
	default:
	}

	lc := listenConfig()
	tcp, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		s.finish()
		return fmt.Errorf("listen TCP: %w", err)
	}
	// Bind UDP to the same port when the address asked for port 0.
	udpAddr := s.config.ListenAddr
	if host, port, err := net.SplitHostPort(s.config.ListenAddr); err == nil && port == "0" {
		_, p, _ := net.SplitHostPort(tcp.Addr().String())
		udpAddr = net.JoinHostPort(host, p)
	}
	pc, err := lc.ListenPacket(ctx, "udp", udpAddr)
	if err != nil {
		tcp.Close()
		s.finish()
		return fmt.Errorf("listen UDP: %w", err)
	}
	s.tcpListener = tcp
	s.udpListener = pc.(*net.UDPConn)

	s.running = true

	s.wg.Add(2)
	go s.serveUDP(ctx)
	go s.serveTCP(ctx)

	go s.watchContext(ctx)

	s.log.Printf(krblog.AreaNet, "KDC listening on %s (tcp) and %s (udp)", s.tcpListener.Addr(), s.udpListener.LocalAddr())

	close(s.ready)
	return nil
}

// watchContext monitors the context and stops the server when cancelled.
func (s *Server) watchContext(ctx context.Context) {
	<-ctx.Done()
	s.stop()
}

func (s *Server) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.udpListener != nil {
		s.udpListener.Close()
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}

	s.wg.Wait()
	s.conns.Wait()
	s.log.Printf(krblog.AreaNet, "KDC stopped")

	s.finish()
}

func (s *Server) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Wait blocks until the server has fully stopped.
func (s *Server) Wait() {
	<-s.done
}

// Done returns a channel that is closed when the server has fully stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Ready blocks until the server accepts requests or ctx is cancelled.
func (s *Server) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the TCP address the server is listening on.
func (s *Server) Addr() string {
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return s.config.ListenAddr
}

// UDPAddr returns the UDP address the server is listening on.
func (s *Server) UDPAddr() string {
	if s.udpListener != nil {
		return s.udpListener.LocalAddr().String()
	}
	return s.config.ListenAddr
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) request(ctx context.Context, remote net.Addr, proto string, raw []byte) []byte {
	id := uuid.NewString()
	s.log.Debugf(krblog.AreaNet, "%s %s request from %s (%d bytes)", id, proto, remote, len(raw))
	return s.handler.HandleRequest(WithRequestID(ctx, id), raw)
}

func (s *Server) serveUDP(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		n, addr, err := s.udpListener.ReadFromUDP(buf)
		if err != nil {
			if s.isRunning() {
				s.log.Errorf(krblog.AreaNet, "UDP read error: %v", err)
			}
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			resp := s.request(ctx, addr, "udp", msg)
			if _, err := s.udpListener.WriteToUDP(resp, addr); err != nil {
				s.log.Debugf(krblog.AreaNet, "UDP write to %s error: %v", addr, err)
			}
		}()
	}
}

func (s *Server) serveTCP(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.isRunning() {
				s.log.Errorf(krblog.AreaNet, "TCP accept error: %v", err)
			}
			return
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleTCPConn(ctx, conn)
		}()
	}
}

func (s *Server) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Close the connection on shutdown so a blocked read returns.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// TCP Kerberos uses a 4-byte length prefix
	lenBuf := make([]byte, 4)
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		_, err := io.ReadFull(conn, lenBuf)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.isRunning() {
				s.log.Debugf(krblog.AreaNet, "TCP read length error: %v", err)
			}
			return
		}

		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen > MaxMessageSize {
			s.log.Printf(krblog.AreaNet, "TCP message from %s too large: %d", conn.RemoteAddr(), msgLen)
			return
		}

		msgBuf := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, msgBuf); err != nil {
			s.log.Debugf(krblog.AreaNet, "TCP read message error: %v", err)
			return
		}

		resp := s.request(ctx, conn.RemoteAddr(), "tcp", msgBuf)
		if err := WriteFrame(conn, resp, 10*time.Second); err != nil {
			s.log.Debugf(krblog.AreaNet, "TCP write error: %v", err)
			return
		}
	}
}

// WriteFrame writes msg with the 4-byte big-endian length prefix used by
// Kerberos over TCP. A positive timeout sets the write deadline.
func WriteFrame(conn net.Conn, msg []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	frame := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[4:], msg)
	_, err := conn.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
