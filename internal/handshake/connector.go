// Package handshake implements the Connector, the AMQP 0-9-1 handshake
// state machine of spec.md §4.2. One Connector drives the handshake on
// both the client-facing and broker-facing sides of a Session,
// selecting behavior by state and flow direction.
package handshake

import (
	"fmt"

	"github.com/amqpprox/amqpprox/internal/wire"
)

// Direction is which side bytes/methods arrived from.
type Direction int

const (
	// Ingress is bytes/methods arriving from the client.
	Ingress Direction = iota
	// Egress is bytes/methods arriving from the broker.
	Egress
)

// State is spec.md §3's ConnectorState.
type State int

const (
	AwaitingProtocolHeader State = iota
	StartSent
	TuneSent
	AwaitingOpen
	AwaitingConnection
	StartOkSent
	OpenSent
	Open
	ClientCloseSent
	ServerCloseSent
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case AwaitingProtocolHeader:
		return "AWAITING_PROTOCOL_HEADER"
	case StartSent:
		return "START_SENT"
	case TuneSent:
		return "TUNE_SENT"
	case AwaitingOpen:
		return "AWAITING_OPEN"
	case AwaitingConnection:
		return "AWAITING_CONNECTION"
	case StartOkSent:
		return "STARTOK_SENT"
	case OpenSent:
		return "OPEN_SENT"
	case Open:
		return "OPEN"
	case ClientCloseSent:
		return "CLIENT_CLOSE_SENT"
	case ServerCloseSent:
		return "SERVER_CLOSE_SENT"
	case Closed:
		return "CLOSED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// WriteFunc delivers handshake bytes to one side. toIngress selects
// the client socket when true, the broker socket when false.
type WriteFunc func(toIngress bool, payload []byte) error

// ServerProperties is the capability table the proxy advertises in
// its own synthesized connection.start, grounded in
// amqpprox_connectorutil.cpp's ConnectorUtil::synthesizeStart.
func ServerProperties() wire.Table {
	return wire.Table{
		{Name: "product", Value: wire.Value{Tag: wire.TagLongString, Str: "amqpprox"}},
		{Name: "platform", Value: wire.Value{Tag: wire.TagLongString, Str: "Go"}},
		{Name: "capabilities", Value: wire.Value{Tag: wire.TagFieldTable, Table: wire.Table{
			{Name: "authentication_failure_close", Value: wire.Value{Tag: wire.TagBoolean, Bool: true}},
			{Name: "consumer_cancel_notify", Value: wire.Value{Tag: wire.TagBoolean, Bool: true}},
			{Name: "connection.blocked", Value: wire.Value{Tag: wire.TagBoolean, Bool: true}},
		}}},
	}
}

// Config carries the proxy's advertised handshake parameters.
type Config struct {
	MaxFrameSize     uint32
	ChannelMax       uint16
	Heartbeat        uint16
	ServerProperties wire.Table
	Mechanisms       string
	Locales          string
	// ClientIdentity and ProxyIdentity are the values of the two extra
	// client-property fields ("amqpprox_client"/"amqpprox_host")
	// injected into the StartOk forwarded to the broker, per spec.md §4.2.
	ClientIdentity string
	ProxyIdentity  string
}

// Connector is the per-session handshake state machine of spec.md §4.2.
type Connector struct {
	cfg   Config
	state State
	write WriteFunc

	// onVhost fires when AWAITING_OPEN observes the client's
	// connection.open, naming the session's vhost; the caller uses
	// this to drive Session's establish_connection.
	onVhost func(vhost string)

	capturedStartOk wire.StartOk
	capturedTuneOk  wire.Tune
	capturedOpen    wire.Open
}

// New builds a Connector in AWAITING_PROTOCOL_HEADER.
func New(cfg Config, write WriteFunc, onVhost func(vhost string)) *Connector {
	return &Connector{cfg: cfg, state: AwaitingProtocolHeader, write: write, onVhost: onVhost}
}

// StateValue returns the current ConnectorState.
func (c *Connector) StateValue() State { return c.state }

// ReceiveBytes is only valid in AWAITING_PROTOCOL_HEADER: it matches
// the client's protocol header and, on success, synthesizes
// connection.start. On mismatch it replies with the canonical header
// and transitions to ERROR.
func (c *Connector) ReceiveBytes(buf []byte) error {
	if c.state != AwaitingProtocolHeader {
		return fmt.Errorf("handshake: ReceiveBytes invalid in state %s", c.state)
	}
	if !wire.MatchProtocolHeader(buf) {
		if err := c.writeFrame(true, SynthesizeProtocolHeader()); err != nil {
			return err
		}
		c.state = Error
		return nil
	}
	start := wire.Start{
		VersionMajor:     c.cfg.protocolVersionMajor(),
		VersionMinor:     c.cfg.protocolVersionMinor(),
		ServerProperties: c.cfg.ServerProperties,
		Mechanisms:       c.cfg.Mechanisms,
		Locales:          c.cfg.Locales,
	}
	if err := c.writeMethod(true, wire.EncodeStart(start)); err != nil {
		return err
	}
	c.state = StartSent
	return nil
}

func (cfg Config) protocolVersionMajor() byte { return 0 }
func (cfg Config) protocolVersionMinor() byte { return 9 }

// ReceiveMethod advances the state machine on a decoded connection-class
// method frame payload arriving from direction dir.
func (c *Connector) ReceiveMethod(payload []byte, dir Direction) error {
	class, method, _, err := wire.DecodeMethodHeader(payload)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if class != wire.ClassConnection {
		return fmt.Errorf("handshake: unexpected class %d in state %s", class, c.state)
	}

	switch c.state {
	case StartSent:
		return c.onStartOk(payload, method, dir)
	case TuneSent:
		return c.onTuneOk(payload, method, dir)
	case AwaitingOpen:
		return c.onOpen(payload, method, dir)
	case AwaitingConnection:
		return c.onBrokerStart(payload, method, dir)
	case StartOkSent:
		return c.onBrokerTune(payload, method, dir)
	case OpenSent:
		return c.onBrokerOpenOk(payload, method, dir)
	case Open:
		return c.onOpenPhaseMethod(payload, method, dir)
	case ClientCloseSent:
		return c.onClientCloseSentMethod(payload, method, dir)
	case ServerCloseSent:
		return c.onServerCloseSentMethod(payload, method, dir)
	default:
		return fmt.Errorf("handshake: unexpected method %d in state %s", method, c.state)
	}
}

func (c *Connector) onStartOk(payload []byte, method uint16, dir Direction) error {
	if dir != Ingress || method != wire.MethodStartOk {
		return fmt.Errorf("handshake: expected StartOk from client in state %s", c.state)
	}
	startOk, err := wire.DecodeStartOk(payload)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.capturedStartOk = startOk

	tune := wire.Tune{ChannelMax: c.cfg.ChannelMax, FrameMax: c.cfg.MaxFrameSize, Heartbeat: c.cfg.Heartbeat}
	if err := c.writeMethod(true, wire.EncodeTune(tune)); err != nil {
		return err
	}
	c.state = TuneSent
	return nil
}

func (c *Connector) onTuneOk(payload []byte, method uint16, dir Direction) error {
	if dir != Ingress || method != wire.MethodTuneOk {
		return fmt.Errorf("handshake: expected TuneOk from client in state %s", c.state)
	}
	tuneOk, err := wire.DecodeTuneOk(payload)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.capturedTuneOk = tuneOk
	c.state = AwaitingOpen
	return nil
}

func (c *Connector) onOpen(payload []byte, method uint16, dir Direction) error {
	if dir != Ingress || method != wire.MethodOpen {
		return fmt.Errorf("handshake: expected Open from client in state %s", c.state)
	}
	open, err := wire.DecodeOpen(payload)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.capturedOpen = open
	c.state = AwaitingConnection
	if c.onVhost != nil {
		c.onVhost(open.VirtualHost)
	}
	return nil
}

// onBrokerStart handles connection.start arriving from the broker: it
// injects the proxy's identity client-properties into the captured
// client StartOk and forwards it to the broker.
func (c *Connector) onBrokerStart(payload []byte, method uint16, dir Direction) error {
	if dir != Egress || method != wire.MethodStart {
		return fmt.Errorf("handshake: expected Start from broker in state %s", c.state)
	}
	if _, err := wire.DecodeStart(payload); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	startOk := c.capturedStartOk
	props := append(wire.Table(nil), startOk.ClientProperties...)
	props = append(props,
		wire.Field{Name: "amqpprox_client", Value: wire.Value{Tag: wire.TagLongString, Str: c.cfg.ClientIdentity}},
		wire.Field{Name: "amqpprox_host", Value: wire.Value{Tag: wire.TagLongString, Str: c.cfg.ProxyIdentity}},
	)
	startOk.ClientProperties = props

	if err := c.writeMethod(false, wire.EncodeStartOk(startOk)); err != nil {
		return err
	}
	c.state = StartOkSent
	return nil
}

func (c *Connector) onBrokerTune(payload []byte, method uint16, dir Direction) error {
	if dir != Egress || method != wire.MethodTune {
		return fmt.Errorf("handshake: expected Tune from broker in state %s", c.state)
	}
	if _, err := wire.DecodeTune(payload); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.writeMethod(false, wire.EncodeTuneOk(c.capturedTuneOk)); err != nil {
		return err
	}
	if err := c.writeMethod(false, wire.EncodeOpen(c.capturedOpen)); err != nil {
		return err
	}
	c.state = OpenSent
	return nil
}

func (c *Connector) onBrokerOpenOk(payload []byte, method uint16, dir Direction) error {
	if dir != Egress || method != wire.MethodOpenOk {
		return fmt.Errorf("handshake: expected OpenOk from broker in state %s", c.state)
	}
	openOk, err := wire.DecodeOpenOk(payload)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.writeMethod(true, wire.EncodeOpenOk(openOk)); err != nil {
		return err
	}
	c.state = Open
	return nil
}

// onOpenPhaseMethod detects connection.close or connection.close-ok in
// either direction once OPEN; both are treated as graceful, per
// spec.md §9's preserved Close/CloseOk tolerance.
func (c *Connector) onOpenPhaseMethod(_ []byte, method uint16, _ Direction) error {
	if method == wire.MethodClose || method == wire.MethodCloseOk {
		c.state = Closed
		return nil
	}
	return nil
}

func (c *Connector) onClientCloseSentMethod(payload []byte, method uint16, dir Direction) error {
	switch {
	case dir == Ingress && method == wire.MethodCloseOk:
		return c.initiateServerClose()
	case dir == Ingress && method == wire.MethodClose:
		if err := c.writeMethod(true, wire.EncodeCloseOk()); err != nil {
			return err
		}
		return c.initiateServerClose()
	case dir == Egress && method == wire.MethodClose:
		if err := c.writeMethod(false, wire.EncodeCloseOk()); err != nil {
			return err
		}
		c.state = Closed
		return nil
	default:
		// Any other method is discarded without being logged; the
		// state does not change.
		_ = payload
		return nil
	}
}

func (c *Connector) initiateServerClose() error {
	closeMsg := wire.Close{ReplyCode: wire.ReplyOK, ReplyText: "OK"}
	if err := c.writeMethod(false, wire.EncodeClose(closeMsg)); err != nil {
		return err
	}
	c.state = ServerCloseSent
	return nil
}

func (c *Connector) onServerCloseSentMethod(_ []byte, method uint16, dir Direction) error {
	if dir != Egress {
		return nil
	}
	switch method {
	case wire.MethodClose:
		return c.writeMethod(false, wire.EncodeCloseOk())
	case wire.MethodCloseOk:
		c.state = Closed
		return nil
	default:
		return nil
	}
}

// ClientAdvertisesCapability reports whether the client's StartOk
// client-properties carried a "capabilities" field table with name set
// true, mirroring how ServerProperties above advertises the proxy's
// own capabilities. Used to decide whether an auth denial may
// synthesize a clean connection.close (authentication_failure_close)
// or must fall back to a silent forced disconnect.
func (c *Connector) ClientAdvertisesCapability(name string) bool {
	for _, field := range c.capturedStartOk.ClientProperties {
		if field.Name != "capabilities" || field.Value.Tag != wire.TagFieldTable {
			continue
		}
		for _, entry := range field.Value.Table {
			if entry.Name == name && entry.Value.Tag == wire.TagBoolean {
				return entry.Value.Bool
			}
		}
	}
	return false
}

// OverwriteStartOkCredentials replaces the captured client StartOk's
// mechanism/response, letting an auth interceptor rewrite the
// credentials forwarded to the broker on ALLOW.
func (c *Connector) OverwriteStartOkCredentials(mechanism string, response []byte) {
	c.capturedStartOk.Mechanism = mechanism
	c.capturedStartOk.Response = response
}

// AddStartOkClientProperty appends a client property to the captured
// StartOk, forwarded to the broker alongside amqpprox_client/
// amqpprox_host in onBrokerStart.
func (c *Connector) AddStartOkClientProperty(name string, value string) {
	c.capturedStartOk.ClientProperties = append(c.capturedStartOk.ClientProperties, wire.Field{
		Name: name, Value: wire.Value{Tag: wire.TagLongString, Str: value},
	})
}

// SynthesizeProtocolHeader returns the canonical protocol header bytes
// the Session writes to the egress socket before the broker leg
// handshake begins.
func SynthesizeProtocolHeader() []byte {
	return append([]byte(nil), wire.ProtocolHeader[:]...)
}

// SynthesizeClose sends a proxy-authored connection.close with
// reply-code 200/"OK" toward the client and transitions to
// CLIENT_CLOSE_SENT, per spec.md §4.2's proxy-initiated close path.
func (c *Connector) SynthesizeClose() error {
	closeMsg := wire.Close{ReplyCode: wire.ReplyOK, ReplyText: "OK"}
	if err := c.writeMethod(true, wire.EncodeClose(closeMsg)); err != nil {
		return err
	}
	c.state = ClientCloseSent
	return nil
}

// SynthesizeCustomCloseError sends a proxy-authored connection.close
// with the given reply code/text toward the client and transitions to
// CLIENT_CLOSE_SENT; used for admission/mapping/auth denials.
func (c *Connector) SynthesizeCustomCloseError(code uint16, text string) error {
	closeMsg := wire.Close{ReplyCode: code, ReplyText: text}
	if err := c.writeMethod(true, wire.EncodeClose(closeMsg)); err != nil {
		return err
	}
	c.state = ClientCloseSent
	return nil
}

// SynthesizeCloseError is SynthesizeCustomCloseError with the
// resource_error reply code, per spec.md §4.3.4/§7.
func (c *Connector) SynthesizeCloseError(text string) error {
	return c.SynthesizeCustomCloseError(wire.ReplyResourceError, text)
}

func (c *Connector) writeMethod(toIngress bool, methodPayload []byte) error {
	return c.writeFrame(toIngress, c.methodFrame(methodPayload))
}

func (c *Connector) methodFrame(payload []byte) []byte {
	frame := wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload}
	out := make([]byte, wire.EncodedSize(len(payload)))
	n, err := wire.Encode(frame, out, 0)
	if err != nil {
		// Handshake frames are always small and well under any
		// configured maximum; a failure here means out was
		// undersized, which EncodedSize above prevents.
		panic(fmt.Sprintf("handshake: encode method frame: %v", err))
	}
	return out[:n]
}

func (c *Connector) writeFrame(toIngress bool, frame []byte) error {
	if c.write == nil {
		return nil
	}
	return c.write(toIngress, frame)
}
