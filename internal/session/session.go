package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amqpprox/amqpprox/internal/auth"
	"github.com/amqpprox/amqpprox/internal/backend"
	"github.com/amqpprox/amqpprox/internal/bufpool"
	"github.com/amqpprox/amqpprox/internal/events"
	"github.com/amqpprox/amqpprox/internal/handshake"
	"github.com/amqpprox/amqpprox/internal/limiter"
	"github.com/amqpprox/amqpprox/internal/metrics"
	"github.com/amqpprox/amqpprox/internal/resolver"
	"github.com/amqpprox/amqpprox/internal/route"
	"github.com/amqpprox/amqpprox/internal/vhost"
	"github.com/amqpprox/amqpprox/internal/wire"
)

// DisconnectStatus records why a Session tore down.
type DisconnectStatus int

const (
	NotDisconnected DisconnectStatus = iota
	DisconnectedCleanly
	DisconnectedClient
	DisconnectedServer
	DisconnectedProxy
)

// String renders the status as a Prometheus label value.
func (d DisconnectStatus) String() string {
	switch d {
	case DisconnectedCleanly:
		return "cleanly"
	case DisconnectedClient:
		return "client"
	case DisconnectedServer:
		return "server"
	case DisconnectedProxy:
		return "proxy"
	default:
		return "none"
	}
}

// rateLimitDelay is the pause before synthesizing a LIMIT close, so a
// retrying client doesn't immediately pile back into the same window,
// per spec.md §4.3.4.
const rateLimitDelay = 750 * time.Millisecond

// Deps bundles the shared, process-wide collaborators a Session is
// wired to at construction.
type Deps struct {
	Pool     *bufpool.Pool
	Events   *events.Source
	Resolver *resolver.Resolver
	Selector *route.Selector
	Vhosts   *vhost.Map
	Auth     auth.Interceptor
	// IngressTLS, when non-nil, is used to upgrade the client-facing
	// socket to TLS in Start, server-side. EgressTLS, when non-nil, is
	// used to upgrade a backend socket that advertises TLSEnabled,
	// client-side.
	IngressTLS *tls.Config
	EgressTLS  *tls.Config
	Logger     *zap.SugaredLogger

	MaxFrameSize   uint32
	ChannelMax     uint16
	Heartbeat      uint16
	ProxyIdentity  string
	ClientIdentity string
}

var sessionCounter atomic.Uint64

// Stats is a point-in-time, read-only copy of a Session's counters.
type Stats struct {
	IngressBytes, IngressFrames int64
	EgressBytes, EgressFrames   int64
	Vhost                       string
	Backend                     string
	DisconnectStatus            DisconnectStatus
	LimitedConnection           bool
	AuthDeniedConnection        bool
}

// Session owns the ingress and (once connected) egress sockets for one
// client connection, drives handshake.Connector across both, and
// forwards frames opaquely once OPEN.
type Session struct {
	id   uint64
	deps Deps

	ingress *Conn
	egress  *Conn

	connector *handshake.Connector

	mu                      sync.Mutex
	vhostName               string
	paused                  bool
	readyToConnectOnUnpause bool
	disconnectStatus        DisconnectStatus
	limitedConnection       bool
	authDeniedConnection    bool
	retryCounter            int
	resolvedEndpoints       []resolver.Endpoint
	resolvedIndex           int
	currentBackend          backend.Backend
	ingressPartial          []byte
	egressPartial           []byte

	ingressBytes  atomic.Int64
	ingressFrames atomic.Int64
	egressBytes   atomic.Int64
	egressFrames  atomic.Int64

	dataRateLimiter *limiter.DataRateLimiter

	handshakeStart    time.Time
	handshakeObserved bool

	closeOnce sync.Once
	pump      *errgroup.Group
}

// New builds a Session around an accepted ingress connection.
func New(ingress net.Conn, deps Deps) *Session {
	s := &Session{
		id:      sessionCounter.Add(1),
		deps:    deps,
		ingress: NewConn(ingress),
		pump:    &errgroup.Group{},
	}
	cfg := handshake.Config{
		MaxFrameSize:     deps.MaxFrameSize,
		ChannelMax:       deps.ChannelMax,
		Heartbeat:        deps.Heartbeat,
		ServerProperties: handshake.ServerProperties(),
		Mechanisms:       "PLAIN",
		Locales:          "en_US",
		ClientIdentity:   deps.ClientIdentity,
		ProxyIdentity:    deps.ProxyIdentity,
	}
	s.connector = handshake.New(cfg, s.writeToDirection, s.onVhostEstablished)
	return s
}

// ID returns the session's unique, monotonically increasing identifier.
func (s *Session) ID() uint64 { return s.id }

func (s *Session) logger() *zap.SugaredLogger {
	if s.deps.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return s.deps.Logger.With("session_id", s.id)
}

// Start performs §4.3.1: it upgrades the ingress socket to TLS when
// configured (a no-op otherwise), emits ConnectionReceived, and begins
// the ingress read loop, added to the per-session pump group alongside
// the egress loop once a backend connects. It blocks until both legs
// terminate.
func (s *Session) Start(ctx context.Context) {
	s.handshakeStart = time.Now()

	if s.deps.IngressTLS != nil {
		if err := s.ingress.Secure(s.deps.IngressTLS, false); err != nil {
			s.logger().Infow("ingress TLS handshake failed", "error", err)
			s.closeBothSockets(DisconnectedClient)
			return
		}
	}

	if s.deps.Events != nil {
		s.deps.Events.EmitConnectionReceived(events.ConnectionReceived{SessionID: s.id})
	}
	s.pump.Go(func() error {
		s.readLoop(ctx, handshake.Ingress)
		return nil
	})
	_ = s.pump.Wait()
}

// onVhostEstablished is the connector's onVhost callback. The connector
// is only driven under s.mu, so s.mu is already held when this runs.
func (s *Session) onVhostEstablished(vhostName string) {
	s.vhostName = vhostName

	if s.deps.Events != nil {
		s.deps.Events.EmitConnectionVhostEstablished(events.ConnectionVhostEstablished{SessionID: s.id, Vhost: vhostName})
	}
	metrics.ConnectionsActive.WithLabelValues(vhostName).Inc()
	go s.establishConnection()
}

// readLoop implements spec.md §4.3.2's per-direction read loop,
// simplified to Go's blocking net.Conn.Read: each read is fed to
// handleData, and the current chunk must be fully written to the
// opposite socket (inside handleData) before the next read is issued,
// giving per-direction head-of-line backpressure.
func (s *Session) readLoop(ctx context.Context, dir handshake.Direction) {
	conn := s.connFor(dir)
	for {
		s.mu.Lock()
		paused := s.paused && dir == handshake.Ingress
		s.mu.Unlock()
		if paused {
			// Suppressed per §4.3.2 step 4; briefly yield and recheck.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if s.dataRateLimiter != nil && dir == handshake.Ingress {
			if err := s.dataRateLimiter.WaitN(ctx, 1); err != nil {
				s.forceDisconnect()
				return
			}
		}

		handle := s.deps.Pool.Acquire(4096)
		n, err := conn.Read(handle.Bytes())
		if err != nil {
			handle.Release()
			s.handleSessionError(dir, err)
			return
		}
		data := append([]byte(nil), handle.Bytes()[:n]...)
		handle.Release()

		closed, err := s.handleData(dir, data)
		if err != nil {
			s.forceDisconnect()
			return
		}
		if closed {
			s.closeBothSockets(DisconnectedCleanly)
			return
		}

		if s.finished() {
			return
		}
	}
}

func (s *Session) connFor(dir handshake.Direction) *Conn {
	if dir == handshake.Ingress {
		return s.ingress
	}
	return s.egress
}

// handleData implements spec.md §4.3.3. It reports closed=true when
// the connector's close handshake completed during this call, leaving
// socket teardown to the caller (which must not be holding s.mu).
func (s *Session) handleData(dir handshake.Direction, data []byte) (closed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connector.StateValue() == handshake.AwaitingProtocolHeader {
		if dir != handshake.Ingress {
			return false, fmt.Errorf("session: unexpected egress bytes before handshake")
		}
		return false, s.connector.ReceiveBytes(data)
	}

	var partial *[]byte
	if dir == handshake.Ingress {
		partial = &s.ingressPartial
	} else {
		partial = &s.egressPartial
	}
	combined := append(*partial, data...)
	*partial = nil

	offset := 0
	opaqueStart := -1
	frameCount := 0

	for {
		frame, n, derr := wire.Decode(combined[offset:], s.deps.MaxFrameSize)
		if derr != nil {
			if derr == wire.ErrNeedMoreData {
				break
			}
			return false, fmt.Errorf("session: frame decode: %w", derr)
		}

		state := s.connector.StateValue()
		if frame.Type == wire.FrameMethod && state != handshake.Open {
			class, _, _, herr := wire.DecodeMethodHeader(frame.Payload)
			if herr == nil && class == wire.ClassConnection {
				if err := s.connector.ReceiveMethod(frame.Payload, dir); err != nil {
					return false, err
				}
				if s.connector.StateValue() == handshake.Open && !s.handshakeObserved {
					s.handshakeObserved = true
					metrics.HandshakeDuration.WithLabelValues(s.vhostName).Observe(time.Since(s.handshakeStart).Seconds())
				}
			}
		} else if state == handshake.Open {
			if opaqueStart < 0 {
				opaqueStart = offset
			}
			frameCount++
		}
		offset += n

		if s.connector.StateValue() == handshake.Closed {
			return true, nil
		}
		if s.connector.StateValue() == handshake.Error {
			return false, fmt.Errorf("session: connector entered ERROR state")
		}
	}

	if opaqueStart >= 0 && offset > opaqueStart {
		chunk := combined[opaqueStart:offset]
		if err := s.forward(dir, chunk); err != nil {
			return false, err
		}
		direction := "egress"
		if dir == handshake.Ingress {
			s.ingressBytes.Add(int64(len(chunk)))
			s.ingressFrames.Add(int64(frameCount))
			direction = "ingress"
		} else {
			s.egressBytes.Add(int64(len(chunk)))
			s.egressFrames.Add(int64(frameCount))
		}
		metrics.BytesTotal.WithLabelValues(s.vhostName, direction).Add(float64(len(chunk)))
		metrics.FramesTotal.WithLabelValues(s.vhostName, direction).Add(float64(frameCount))
	}

	*partial = append(*partial, combined[offset:]...)
	return false, nil
}

func (s *Session) forward(dir handshake.Direction, chunk []byte) error {
	dst := s.egress
	if dir == handshake.Egress {
		dst = s.ingress
	}
	if dst == nil {
		return fmt.Errorf("session: destination socket not yet connected")
	}
	_, err := dst.Write(chunk)
	return err
}

// writeToDirection is handshake.WriteFunc: toIngress true writes to
// the client socket, false to the broker socket.
func (s *Session) writeToDirection(toIngress bool, payload []byte) error {
	if toIngress {
		if s.ingress == nil {
			return fmt.Errorf("session: ingress not connected")
		}
		_, err := s.ingress.Write(payload)
		return err
	}
	if s.egress == nil {
		return fmt.Errorf("session: egress not connected")
	}
	_, err := s.egress.Write(payload)
	return err
}

// handleSessionError attributes a read/write failure to whichever side
// caused it, per spec.md's rule that a CLOSED connector (the close
// handshake already completed) is always DISCONNECTED_CLEANLY —
// including a TLS truncation on close — while any other socket error
// is blamed on whichever leg it was read from.
func (s *Session) handleSessionError(dir handshake.Direction, err error) {
	s.logger().Infow("session socket closed", "direction", dir, "error", err)

	s.mu.Lock()
	closed := s.connector.StateValue() == handshake.Closed
	s.mu.Unlock()
	if closed {
		s.closeBothSockets(DisconnectedCleanly)
		return
	}

	if dir == handshake.Ingress {
		s.closeBothSockets(DisconnectedClient)
		return
	}
	s.closeBothSockets(DisconnectedServer)
}

// establishConnection implements spec.md §4.3.4's entry point, run
// when the client's connection.open names a vhost, and again from
// Unpause if the vhost established while paused.
func (s *Session) establishConnection() {
	s.mu.Lock()
	vhostName := s.vhostName
	s.mu.Unlock()

	st := s.deps.Vhosts.Get(vhostName)
	if st.DataRateLimitBytes > 0 {
		s.dataRateLimiter = limiter.NewDataRateLimiter(st.DataRateLimitBytes, st.DataRateAlarmBytes, func(bytesPerSec int) {
			s.logger().Warnw("data rate alarm breached", "vhost", vhostName, "bytes_per_sec", bytesPerSec)
		})
	}

	s.mu.Lock()
	if s.paused {
		s.readyToConnectOnUnpause = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cm, status, err := s.deps.Selector.AcquireConnection(vhostName)
	switch status {
	case route.StatusOK:
		// fall through below
	case route.StatusLimit:
		metrics.RateLimitDenials.WithLabelValues(vhostName, "connection").Inc()
		s.mu.Lock()
		s.limitedConnection = true
		s.mu.Unlock()
		time.AfterFunc(rateLimitDelay, func() {
			s.synthesizeCloseError(fmt.Sprintf("The connection for %s, is limited by proxy.", vhostName))
			s.forceDisconnect()
		})
		return
	case route.StatusNoFarm, route.StatusErrorFarm, route.StatusNoBackend:
		metrics.ConnectionsDenied.WithLabelValues(vhostName, "no_route").Inc()
		s.synthesizeCloseError(fmt.Sprintf("No known broker mapping for vhost %s", vhostName))
		s.forceDisconnect()
		return
	default:
		_ = err
		s.forceDisconnect()
		return
	}

	interceptor := s.deps.Auth
	if interceptor == nil {
		interceptor = auth.AlwaysAllowInterceptor{}
	}
	req := auth.Request{Vhost: vhostName}
	interceptor.Authenticate(context.Background(), req, func(resp auth.Response) {
		if resp.Result == auth.Deny {
			metrics.ConnectionsDenied.WithLabelValues(vhostName, "auth").Inc()
			s.mu.Lock()
			s.authDeniedConnection = true
			canCloseClean := s.connector.ClientAdvertisesCapability("authentication_failure_close")
			s.mu.Unlock()
			if canCloseClean {
				_ = s.writeToDirection(true, encodeClose(wire.ReplyAccessRefused, resp.Reason))
			}
			s.forceDisconnect()
			return
		}

		s.mu.Lock()
		if resp.Credentials != nil {
			s.connector.OverwriteStartOkCredentials(resp.Credentials.Mechanism, []byte(resp.Credentials.Response))
		}
		if resp.Reason != "" {
			s.connector.AddStartOkClientProperty("amqpprox_auth", resp.Reason)
		}
		s.mu.Unlock()

		s.attemptConnection(cm)
	})
}

// synthesizeCloseError drives the connector's close handshake under
// s.mu, matching the synchronization handleData relies on for every
// other connector mutation.
func (s *Session) synthesizeCloseError(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.connector.SynthesizeCloseError(text)
}

func encodeClose(code uint16, text string) []byte {
	closeMsg := wire.Close{ReplyCode: code, ReplyText: text}
	payload := wire.EncodeClose(closeMsg)
	frame := wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload}
	out := make([]byte, wire.EncodedSize(len(payload)))
	n, _ := wire.Encode(frame, out, 0)
	return out[:n]
}

func (s *Session) attemptConnection(cm backend.ConnectionManager) {
	s.mu.Lock()
	paused, finished := s.paused, s.disconnectStatus != NotDisconnected
	retryCounter := s.retryCounter
	s.mu.Unlock()
	if paused || finished {
		return
	}

	be, ok := cm.GetConnection(retryCounter)
	if !ok {
		s.forceDisconnect()
		return
	}

	s.mu.Lock()
	s.currentBackend = be
	s.mu.Unlock()

	host, port := be.Endpoint()
	endpoints, err := s.deps.Resolver.Resolve(context.Background(), host, port)
	if err != nil || len(endpoints) == 0 {
		s.mu.Lock()
		s.retryCounter++
		s.mu.Unlock()
		s.attemptConnection(cm)
		return
	}

	s.mu.Lock()
	if be.DNSBased {
		s.resolvedEndpoints = endpoints
	} else {
		s.resolvedEndpoints = endpoints[:1]
	}
	s.resolvedIndex = 0
	s.mu.Unlock()

	s.attemptResolvedConnection(cm)
}

func (s *Session) attemptResolvedConnection(cm backend.ConnectionManager) {
	s.mu.Lock()
	exhausted := s.resolvedIndex >= len(s.resolvedEndpoints)
	s.mu.Unlock()
	if exhausted {
		s.mu.Lock()
		s.retryCounter++
		s.resolvedEndpoints = nil
		s.mu.Unlock()
		s.attemptConnection(cm)
		return
	}

	s.mu.Lock()
	ep := s.resolvedEndpoints[s.resolvedIndex]
	s.resolvedIndex++
	s.mu.Unlock()

	s.attemptEndpointConnection(ep, cm)
}

func (s *Session) attemptEndpointConnection(ep resolver.Endpoint, cm backend.ConnectionManager) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.Dial("tcp", ep.String())
	if err != nil {
		s.logger().Infow("backend connect failed", "endpoint", ep.String(), "error", err)
		metrics.BackendConnectFailures.WithLabelValues(s.currentBackend.Name).Inc()
		if s.deps.Events != nil {
			s.deps.Events.EmitConnectionFailed(events.ConnectionFailed{Backend: ep.String()})
		}
		s.attemptResolvedConnection(cm)
		return
	}

	s.mu.Lock()
	be := s.currentBackend
	s.mu.Unlock()

	if be.SendProxy {
		if srcAddr, ok := s.ingress.RemoteAddr().(*net.TCPAddr); ok {
			if dstAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
				if _, err := conn.Write(ProxyProtocolV1Header(srcAddr, dstAddr)); err != nil {
					conn.Close()
					s.attemptResolvedConnection(cm)
					return
				}
			}
		}
	}

	egress := NewConn(conn)
	if be.TLSEnabled && s.deps.EgressTLS != nil {
		if err := egress.Secure(s.deps.EgressTLS, true); err != nil {
			conn.Close()
			s.attemptResolvedConnection(cm)
			return
		}
	}
	s.egress = egress

	header := handshake.SynthesizeProtocolHeader()
	if _, err := s.egress.Write(header); err != nil {
		s.forceDisconnect()
		return
	}

	if s.deps.Events != nil {
		s.deps.Events.EmitConnectionEstablished(events.ConnectionEstablished{SessionID: s.id})
	}

	s.pump.Go(func() error {
		s.readLoop(context.Background(), handshake.Egress)
		return nil
	})
}

// Pause implements spec.md §4.3.5's pause().
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Unpause implements spec.md §4.3.5's unpause().
func (s *Session) Unpause() {
	s.mu.Lock()
	ready := s.readyToConnectOnUnpause
	s.paused = false
	s.readyToConnectOnUnpause = false
	s.mu.Unlock()

	if ready {
		go s.establishConnection()
		return
	}
	s.forceDisconnect()
}

// forceDisconnect implements disconnect(forcible=true).
func (s *Session) forceDisconnect() {
	s.closeBothSockets(DisconnectedProxy)
}

// Disconnect implements disconnect(forcible=false): it synthesizes a
// close toward the client and lets the Connector's close state
// machine drive the rest.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.connector.SynthesizeClose()
}

// BackendDisconnect implements backend_disconnect(): only the egress
// socket is torn down.
func (s *Session) BackendDisconnect() {
	s.mu.Lock()
	egress := s.egress
	s.mu.Unlock()
	if egress != nil {
		egress.Close()
	}
	if s.deps.Events != nil {
		s.deps.Events.EmitBrokerConnectionSnapped(events.BrokerConnectionSnapped{SessionID: s.id})
	}
}

// Finished reports whether the session has begun tearing down, for
// internal/stats's cleanup sweep to decide when to reap it.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectStatus != NotDisconnected
}

func (s *Session) finished() bool { return s.Finished() }

func (s *Session) closeBothSockets(status DisconnectStatus) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.disconnectStatus = status
		vhostName := s.vhostName
		ingress, egress := s.ingress, s.egress
		s.mu.Unlock()

		if ingress != nil {
			ingress.Close()
		}
		if egress != nil {
			egress.Close()
		}

		s.deps.Selector.ReleaseConnection(vhostName)

		if vhostName != "" {
			metrics.ConnectionsActive.WithLabelValues(vhostName).Dec()
		}
		metrics.ConnectionsTotal.WithLabelValues(vhostName, status.String()).Inc()

		if s.deps.Events != nil {
			switch status {
			case DisconnectedCleanly:
				s.deps.Events.EmitCleanDisconnect(events.CleanDisconnect{SessionID: s.id})
			case DisconnectedServer:
				s.deps.Events.EmitBrokerConnectionSnapped(events.BrokerConnectionSnapped{SessionID: s.id})
			default:
				s.deps.Events.EmitClientConnectionSnapped(events.ClientConnectionSnapped{SessionID: s.id})
			}
		}
	})
}

// Stats returns a point-in-time snapshot of this session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	v, b := s.vhostName, s.currentBackend.Name
	status := s.disconnectStatus
	limited, authDenied := s.limitedConnection, s.authDeniedConnection
	s.mu.Unlock()
	return Stats{
		IngressBytes:         s.ingressBytes.Load(),
		IngressFrames:        s.ingressFrames.Load(),
		EgressBytes:          s.egressBytes.Load(),
		EgressFrames:         s.egressFrames.Load(),
		Vhost:                v,
		Backend:              b,
		DisconnectStatus:     status,
		LimitedConnection:    limited,
		AuthDeniedConnection: authDenied,
	}
}
