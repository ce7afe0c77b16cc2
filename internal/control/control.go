// Package control implements the side-band operator control channel
// of spec.md §6: a UNIX domain socket accepting newline-delimited
// textual commands, each routed by its first token (verb) to a
// handler that mutates the shared FARM/BACKEND/MAP/VHOST/LIMIT/AUTH
// stores or reads the stats collector.
package control

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amqpprox/amqpprox/internal/auth"
	"github.com/amqpprox/amqpprox/internal/backend"
	"github.com/amqpprox/amqpprox/internal/limiter"
	"github.com/amqpprox/amqpprox/internal/metrics"
	"github.com/amqpprox/amqpprox/internal/resolver"
	"github.com/amqpprox/amqpprox/internal/stats"
	"github.com/amqpprox/amqpprox/internal/vhost"
)

// Deps is the shared state verb handlers mutate or read — the same
// stores internal/route and internal/session consult.
type Deps struct {
	Backends  *backend.Store
	Farms     *backend.FarmStore
	Vhosts    *vhost.Map
	Limiters  *limiter.Manager
	Auth      *auth.Holder
	Resolver  *resolver.Resolver
	Sessions  *stats.Registry
	Collector *stats.Collector
	TLS       *TLSStore
}

// TLSStore names already-loaded TLS material. Loading certificates
// from disk is the external-collaborator boundary spec.md §1/§6
// names; the core only stores and lists configured names.
type TLSStore struct {
	mu     sync.Mutex
	byName map[string]struct{}
}

// NewTLSStore builds an empty TLSStore.
func NewTLSStore() *TLSStore { return &TLSStore{byName: make(map[string]struct{})} }

// Set records that name has loaded TLS material available.
func (t *TLSStore) Set(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[name] = struct{}{}
}

// Names returns every configured name, sorted.
func (t *TLSStore) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byName))
	for k := range t.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Server is the control-channel listener: one goroutine per accepted
// connection, commands dispatched by first token.
type Server struct {
	deps   Deps
	logger *zap.SugaredLogger

	listener  *net.UnixListener
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Server wired to deps. Call Listen to start accepting.
func New(deps Deps, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{deps: deps, logger: logger, done: make(chan struct{})}
}

// Listen binds sockPath as a UNIX domain socket and accepts
// connections in a background goroutine until Close is called.
func (s *Server) Listen(sockPath string) error {
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return fmt.Errorf("control: resolve %s: %w", sockPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", sockPath, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Infow("control accept error", "error", err)
			return
		}
		connID := uuid.NewString()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, connID)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight
// command handlers to finish.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

const helpText = "unknown verb; supported: FARM BACKEND MAP VHOST LIMIT AUTH TLS STAT EXIT"

func (s *Server) handleConn(conn net.Conn, connID string) {
	defer conn.Close()
	logger := s.logger.With("control_conn_id", connID)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb := strings.ToUpper(fields[0])
		args := fields[1:]
		logger.Debugw("control command received", "verb", verb)

		if verb == "EXIT" {
			fmt.Fprintln(conn, "ok")
			metrics.ControlCommandsTotal.WithLabelValues(verb, "ok").Inc()
			return
		}

		handler, ok := verbHandlers[verb]
		if !ok {
			fmt.Fprintln(conn, helpText)
			metrics.ControlCommandsTotal.WithLabelValues(verb, "unknown").Inc()
			continue
		}
		out := handler(s.deps, args)
		outcome := "ok"
		if len(out) > 0 && strings.HasPrefix(out[0], "error:") {
			outcome = "error"
		}
		metrics.ControlCommandsTotal.WithLabelValues(verb, outcome).Inc()
		for _, line := range out {
			fmt.Fprintln(conn, line)
		}
	}
}

var verbHandlers = map[string]func(Deps, []string) []string{
	"FARM":    handleFarm,
	"BACKEND": handleBackend,
	"MAP":     handleMap,
	"VHOST":   handleVhost,
	"LIMIT":   handleLimit,
	"AUTH":    handleAuth,
	"TLS":     handleTLS,
	"STAT":    handleStat,
}

func errLine(format string, a ...any) []string {
	return []string{"error: " + fmt.Sprintf(format, a...)}
}

// handleFarm implements FARM CREATE|ADD_BACKEND|REMOVE_BACKEND|REMOVE|PRINT.
func handleFarm(d Deps, args []string) []string {
	if len(args) == 0 {
		return errLine("FARM requires a sub-verb")
	}
	switch strings.ToUpper(args[0]) {
	case "CREATE":
		if len(args) != 2 {
			return errLine("usage: FARM CREATE <name>")
		}
		d.Farms.GetOrCreate(args[1])
		return []string{"ok"}

	case "ADD_BACKEND":
		if len(args) != 3 {
			return errLine("usage: FARM ADD_BACKEND <farm> <backend>")
		}
		be, ok := d.Backends.Get(args[2])
		if !ok {
			return errLine("no such backend %q", args[2])
		}
		d.Farms.GetOrCreate(args[1]).AddMember(be)
		return []string{"ok"}

	case "REMOVE_BACKEND":
		if len(args) != 3 {
			return errLine("usage: FARM REMOVE_BACKEND <farm> <backend>")
		}
		farm, ok := d.Farms.Get(args[1])
		if !ok {
			return errLine("no such farm %q", args[1])
		}
		farm.RemoveMember(args[2])
		return []string{"ok"}

	case "REMOVE":
		if len(args) != 2 {
			return errLine("usage: FARM REMOVE <name>")
		}
		if err := d.Farms.Remove(args[1]); err != nil {
			return errLine("%v", err)
		}
		return []string{"ok"}

	case "PRINT":
		return d.Farms.Names()

	default:
		return errLine("unknown FARM sub-verb %q", args[0])
	}
}

// handleBackend implements BACKEND ADD|REMOVE|PRINT.
func handleBackend(d Deps, args []string) []string {
	if len(args) == 0 {
		return errLine("BACKEND requires a sub-verb")
	}
	switch strings.ToUpper(args[0]) {
	case "ADD":
		// BACKEND ADD <name> <datacenter> <host> <ip> <port> [tls] [dns] [sendproxy]
		if len(args) < 6 {
			return errLine("usage: BACKEND ADD <name> <datacenter> <host> <ip> <port> [tls] [dns] [sendproxy]")
		}
		port, err := strconv.Atoi(args[5])
		if err != nil {
			return errLine("invalid port %q", args[5])
		}
		flags := args[6:]
		be := backend.Backend{
			Name:       args[1],
			Datacenter: args[2],
			Host:       args[3],
			IP:         args[4],
			Port:       port,
			TLSEnabled: hasFlag(flags, "tls"),
			DNSBased:   hasFlag(flags, "dns"),
			SendProxy:  hasFlag(flags, "sendproxy"),
		}
		d.Backends.Put(be)
		return []string{"ok"}

	case "REMOVE":
		if len(args) != 2 {
			return errLine("usage: BACKEND REMOVE <name>")
		}
		d.Backends.Remove(args[1])
		return []string{"ok"}

	case "PRINT":
		return d.Backends.Names()

	default:
		return errLine("unknown BACKEND sub-verb %q", args[0])
	}
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// handleMap implements MAP <vhost> BACKEND|FARM|CLEAR, MAP DEFAULT_FARM, MAP PRINT.
func handleMap(d Deps, args []string) []string {
	if len(args) == 0 {
		return errLine("MAP requires arguments")
	}
	if strings.ToUpper(args[0]) == "DEFAULT_FARM" {
		if len(args) != 2 {
			return errLine("usage: MAP DEFAULT_FARM <name>")
		}
		d.Vhosts.SetDefaultFarm(args[1])
		return []string{"ok"}
	}
	if strings.ToUpper(args[0]) == "PRINT" {
		return d.Vhosts.Names()
	}
	if len(args) < 2 {
		return errLine("usage: MAP <vhost> BACKEND|FARM <name> | MAP <vhost> CLEAR")
	}
	vhostName := args[0]
	switch strings.ToUpper(args[1]) {
	case "BACKEND":
		if len(args) != 3 {
			return errLine("usage: MAP <vhost> BACKEND <name>")
		}
		d.Vhosts.SetResource(vhostName, vhost.Resource{Kind: vhost.ResourceBackend, Name: args[2]})
		return []string{"ok"}

	case "FARM":
		if len(args) != 3 {
			return errLine("usage: MAP <vhost> FARM <name>")
		}
		d.Vhosts.SetResource(vhostName, vhost.Resource{Kind: vhost.ResourceFarm, Name: args[2]})
		return []string{"ok"}

	case "CLEAR":
		d.Vhosts.ClearResource(vhostName)
		return []string{"ok"}

	default:
		return errLine("unknown MAP sub-verb %q", args[1])
	}
}

// handleVhost implements VHOST PAUSE|UNPAUSE|FORCE_DISCONNECT|BACKEND_DISCONNECT|PRINT.
func handleVhost(d Deps, args []string) []string {
	if len(args) == 0 {
		return errLine("VHOST requires a sub-verb")
	}
	if strings.ToUpper(args[0]) == "PRINT" {
		return d.Vhosts.Names()
	}
	if len(args) != 2 {
		return errLine("usage: VHOST <sub-verb> <vhost>")
	}
	vhostName := args[1]
	switch strings.ToUpper(args[0]) {
	case "PAUSE":
		d.Vhosts.SetPaused(vhostName, true)
		return []string{"ok"}

	case "UNPAUSE":
		d.Vhosts.SetPaused(vhostName, false)
		for _, sess := range d.Sessions.Snapshot() {
			if sess.Stats().Vhost == vhostName {
				sess.Unpause()
			}
		}
		return []string{"ok"}

	case "FORCE_DISCONNECT":
		for _, sess := range d.Sessions.Snapshot() {
			if sess.Stats().Vhost == vhostName {
				sess.Disconnect()
			}
		}
		return []string{"ok"}

	case "BACKEND_DISCONNECT":
		for _, sess := range d.Sessions.Snapshot() {
			if sess.Stats().Vhost == vhostName {
				sess.BackendDisconnect()
			}
		}
		return []string{"ok"}

	default:
		return errLine("unknown VHOST sub-verb %q", args[0])
	}
}

// handleLimit implements LIMIT CONN_RATE|CONN_RATE_ALARM|DISABLE|PRINT.
func handleLimit(d Deps, args []string) []string {
	if len(args) == 0 {
		return errLine("LIMIT requires a sub-verb")
	}
	switch strings.ToUpper(args[0]) {
	case "CONN_RATE", "CONN_RATE_ALARM":
		// LIMIT CONN_RATE[_ALARM] <vhost|DEFAULT> <limit> <window-seconds>
		if len(args) != 4 {
			return errLine("usage: LIMIT %s <vhost|DEFAULT> <limit> <window-seconds>", args[0])
		}
		limitN, err := strconv.Atoi(args[2])
		if err != nil {
			return errLine("invalid limit %q", args[2])
		}
		windowSeconds, err := strconv.Atoi(args[3])
		if err != nil {
			return errLine("invalid window %q", args[3])
		}
		window := time.Duration(windowSeconds) * time.Second
		alarm := strings.EqualFold(args[0], "CONN_RATE_ALARM")
		if strings.EqualFold(args[1], "DEFAULT") {
			if alarm {
				d.Limiters.SetDefaultRateAlarmLimit(limitN, window)
			} else {
				d.Limiters.SetDefaultRateLimit(limitN, window)
			}
		} else {
			if alarm {
				d.Limiters.SetVhostRateAlarmLimit(args[1], limitN, window)
			} else {
				d.Limiters.SetVhostRateLimit(args[1], limitN, window)
			}
		}
		return []string{"ok"}

	case "DISABLE":
		if len(args) != 2 {
			return errLine("usage: LIMIT DISABLE <vhost>")
		}
		d.Limiters.ClearVhostLimits(args[1])
		return []string{"ok"}

	case "PRINT":
		return []string{"limits are queried per-vhost; use STAT for connection counts"}

	default:
		return errLine("unknown LIMIT sub-verb %q", args[0])
	}
}

// handleAuth implements AUTH SERVICE|ALWAYS_ALLOW|PRINT.
func handleAuth(d Deps, args []string) []string {
	if len(args) == 0 {
		return errLine("AUTH requires a sub-verb")
	}
	switch strings.ToUpper(args[0]) {
	case "SERVICE":
		if len(args) != 4 {
			return errLine("usage: AUTH SERVICE <host> <port> <target>")
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return errLine("invalid port %q", args[2])
		}
		d.Auth.Set(auth.NewHTTPInterceptor(args[1], port, args[3], d.Resolver))
		return []string{"ok"}

	case "ALWAYS_ALLOW":
		d.Auth.Set(auth.AlwaysAllowInterceptor{})
		return []string{"ok"}

	case "PRINT":
		switch d.Auth.Get().(type) {
		case auth.AlwaysAllowInterceptor:
			return []string{"ALWAYS_ALLOW"}
		case *auth.HTTPInterceptor:
			return []string{"SERVICE"}
		default:
			return []string{"unknown"}
		}

	default:
		return errLine("unknown AUTH sub-verb %q", args[0])
	}
}

// handleTLS implements TLS PRINT. Loading certificate material from
// disk is the external-collaborator boundary named in spec.md §1/§6.
func handleTLS(d Deps, args []string) []string {
	if len(args) == 0 || strings.ToUpper(args[0]) != "PRINT" {
		return errLine("usage: TLS PRINT")
	}
	return d.TLS.Names()
}

// handleStat implements STAT, printing the aggregate and per-vhost and
// per-backend rollups from the stats collector.
func handleStat(d Deps, _ []string) []string {
	snap := d.Collector.Snapshot()
	out := []string{
		fmt.Sprintf("total connections=%d ingress_bytes=%d egress_bytes=%d",
			snap.Total.Connections, snap.Total.IngressBytes, snap.Total.EgressBytes),
	}

	vhostNames := make([]string, 0, len(snap.ByVhost))
	for name := range snap.ByVhost {
		vhostNames = append(vhostNames, name)
	}
	sort.Strings(vhostNames)
	for _, name := range vhostNames {
		r := snap.ByVhost[name]
		out = append(out, fmt.Sprintf("vhost=%s connections=%d ingress_bytes=%d egress_bytes=%d",
			name, r.Connections, r.IngressBytes, r.EgressBytes))
	}

	backendNames := make([]string, 0, len(snap.ByBackend))
	for name := range snap.ByBackend {
		backendNames = append(backendNames, name)
	}
	sort.Strings(backendNames)
	for _, name := range backendNames {
		r := snap.ByBackend[name]
		out = append(out, fmt.Sprintf("backend=%s connections=%d ingress_bytes=%d egress_bytes=%d",
			name, r.Connections, r.IngressBytes, r.EgressBytes))
	}

	return out
}
