package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amqpprox/amqpprox/internal/wire"
)

type recordedWrite struct {
	toIngress bool
	payload   []byte
}

func newTestConnector() (*Connector, *[]recordedWrite, *string) {
	var writes []recordedWrite
	var vhost string
	cfg := Config{
		MaxFrameSize:     131072,
		ChannelMax:       2047,
		Heartbeat:        60,
		ServerProperties: ServerProperties(),
		Mechanisms:       "PLAIN",
		Locales:          "en_US",
		ClientIdentity:   "client-1",
		ProxyIdentity:    "amqpprox-host",
	}
	c := New(cfg, func(toIngress bool, payload []byte) error {
		writes = append(writes, recordedWrite{toIngress, append([]byte(nil), payload...)})
		return nil
	}, func(v string) { vhost = v })
	return c, &writes, &vhost
}

func decodeMethodFrame(t *testing.T, buf []byte) (uint16, uint16, []byte) {
	t.Helper()
	frame, n, err := wire.Decode(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, wire.FrameMethod, frame.Type)
	class, method, _, err := wire.DecodeMethodHeader(frame.Payload)
	require.NoError(t, err)
	return class, method, frame.Payload
}

func encodeMethodFrame(payload []byte) []byte {
	frame := wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload}
	out := make([]byte, wire.EncodedSize(len(payload)))
	n, err := wire.Encode(frame, out, 0)
	if err != nil {
		panic(err)
	}
	return out[:n]
}

func TestProtocolHeaderMatchSendsStart(t *testing.T) {
	c, writes, _ := newTestConnector()

	err := c.ReceiveBytes(wire.ProtocolHeader[:])
	require.NoError(t, err)
	require.Equal(t, StartSent, c.StateValue())
	require.Len(t, *writes, 1)
	require.True(t, (*writes)[0].toIngress)

	_, method, _ := decodeMethodFrame(t, (*writes)[0].payload)
	require.Equal(t, wire.MethodStart, method)
}

func TestProtocolHeaderMismatchGoesToError(t *testing.T) {
	c, writes, _ := newTestConnector()

	err := c.ReceiveBytes([]byte("GET / HTTP"))
	require.NoError(t, err)
	require.Equal(t, Error, c.StateValue())
	require.Len(t, *writes, 1)
	require.Equal(t, wire.ProtocolHeader[:], (*writes)[0].payload)
}

func driveToAwaitingConnection(t *testing.T, c *Connector, writes *[]recordedWrite, vhost *string) {
	t.Helper()
	require.NoError(t, c.ReceiveBytes(wire.ProtocolHeader[:]))

	startOk := wire.StartOk{
		ClientProperties: wire.Table{{Name: "product", Value: wire.Value{Tag: wire.TagLongString, Str: "testclient"}}},
		Mechanism:        "PLAIN",
		Response:         []byte{0, 'u', 0, 'p'},
		Locale:           "en_US",
	}
	require.NoError(t, c.ReceiveMethod(wire.EncodeStartOk(startOk), Ingress))
	require.Equal(t, TuneSent, c.StateValue())

	tuneOk := wire.TuneOk{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60}
	require.NoError(t, c.ReceiveMethod(wire.EncodeTuneOk(tuneOk), Ingress))
	require.Equal(t, AwaitingOpen, c.StateValue())

	open := wire.Open{VirtualHost: "/prod"}
	require.NoError(t, c.ReceiveMethod(wire.EncodeOpen(open), Ingress))
	require.Equal(t, AwaitingConnection, c.StateValue())
	require.Equal(t, "/prod", *vhost)
}

func TestFullHandshakeReachesOpen(t *testing.T) {
	c, writes, vhost := newTestConnector()
	driveToAwaitingConnection(t, c, writes, vhost)

	brokerStart := wire.Start{VersionMajor: 0, VersionMinor: 9, ServerProperties: wire.Table{}, Mechanisms: "PLAIN", Locales: "en_US"}
	require.NoError(t, c.ReceiveMethod(wire.EncodeStart(brokerStart), Egress))
	require.Equal(t, StartOkSent, c.StateValue())

	last := (*writes)[len(*writes)-1]
	require.False(t, last.toIngress)
	_, method, payload := decodeMethodFrame(t, last.payload)
	require.Equal(t, wire.MethodStartOk, method)
	forwardedStartOk, err := wire.DecodeStartOk(payload)
	require.NoError(t, err)
	_, hasClient := forwardedStartOk.ClientProperties.Get("amqpprox_client")
	_, hasHost := forwardedStartOk.ClientProperties.Get("amqpprox_host")
	require.True(t, hasClient)
	require.True(t, hasHost)

	brokerTune := wire.Tune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60}
	require.NoError(t, c.ReceiveMethod(wire.EncodeTune(brokerTune), Egress))
	require.Equal(t, OpenSent, c.StateValue())
	require.GreaterOrEqual(t, len(*writes), 2)

	brokerOpenOk := wire.OpenOk{}
	require.NoError(t, c.ReceiveMethod(wire.EncodeOpenOk(brokerOpenOk), Egress))
	require.Equal(t, Open, c.StateValue())

	last = (*writes)[len(*writes)-1]
	require.True(t, last.toIngress)
	_, method, _ = decodeMethodFrame(t, last.payload)
	require.Equal(t, wire.MethodOpenOk, method)
}

func reachOpen(t *testing.T) (*Connector, *[]recordedWrite) {
	t.Helper()
	c, writes, vhost := newTestConnector()
	driveToAwaitingConnection(t, c, writes, vhost)
	require.NoError(t, c.ReceiveMethod(wire.EncodeStart(wire.Start{Mechanisms: "PLAIN", Locales: "en_US"}), Egress))
	require.NoError(t, c.ReceiveMethod(wire.EncodeTune(wire.Tune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60}), Egress))
	require.NoError(t, c.ReceiveMethod(wire.EncodeOpenOk(wire.OpenOk{}), Egress))
	require.Equal(t, Open, c.StateValue())
	*writes = nil
	return c, writes
}

func TestCloseAloneTreatedAsGraceful(t *testing.T) {
	c, _ := reachOpen(t)
	require.NoError(t, c.ReceiveMethod(wire.EncodeClose(wire.Close{ReplyCode: wire.ReplyOK}), Ingress))
	require.Equal(t, Closed, c.StateValue())
}

func TestCloseOkAloneAlsoTreatedAsGraceful(t *testing.T) {
	c, _ := reachOpen(t)
	require.NoError(t, c.ReceiveMethod(wire.EncodeCloseOk(), Egress))
	require.Equal(t, Closed, c.StateValue())
}

func TestSynthesizeCloseThenClientCloseOkInitiatesServerClose(t *testing.T) {
	c, writes := reachOpen(t)

	require.NoError(t, c.SynthesizeClose())
	require.Equal(t, ClientCloseSent, c.StateValue())
	require.Len(t, *writes, 1)
	require.True(t, (*writes)[0].toIngress)

	*writes = nil
	require.NoError(t, c.ReceiveMethod(wire.EncodeCloseOk(), Ingress))
	require.Equal(t, ServerCloseSent, c.StateValue())
	require.Len(t, *writes, 1)
	require.False(t, (*writes)[0].toIngress)
	_, method, _ := decodeMethodFrame(t, (*writes)[0].payload)
	require.Equal(t, wire.MethodClose, method)

	*writes = nil
	require.NoError(t, c.ReceiveMethod(wire.EncodeCloseOk(), Egress))
	require.Equal(t, Closed, c.StateValue())
}

func TestClientCloseInsteadOfCloseOkIsAcceptedToo(t *testing.T) {
	c, writes := reachOpen(t)

	require.NoError(t, c.SynthesizeClose())
	*writes = nil

	require.NoError(t, c.ReceiveMethod(wire.EncodeClose(wire.Close{ReplyCode: wire.ReplyOK}), Ingress))
	require.Equal(t, ServerCloseSent, c.StateValue())
	require.Len(t, *writes, 2)
	require.True(t, (*writes)[0].toIngress)
	_, method, _ := decodeMethodFrame(t, (*writes)[0].payload)
	require.Equal(t, wire.MethodCloseOk, method)
	require.False(t, (*writes)[1].toIngress)
}

func TestServerCloseSentAcksBrokerCloseWithoutTransition(t *testing.T) {
	c, writes := reachOpen(t)
	require.NoError(t, c.SynthesizeClose())
	require.NoError(t, c.ReceiveMethod(wire.EncodeCloseOk(), Ingress))
	require.Equal(t, ServerCloseSent, c.StateValue())
	*writes = nil

	require.NoError(t, c.ReceiveMethod(wire.EncodeClose(wire.Close{ReplyCode: wire.ReplyOK}), Egress))
	require.Equal(t, ServerCloseSent, c.StateValue())
	require.Len(t, *writes, 1)
	_, method, _ := decodeMethodFrame(t, (*writes)[0].payload)
	require.Equal(t, wire.MethodCloseOk, method)
}

func TestSynthesizeCustomCloseErrorCarriesReplyCode(t *testing.T) {
	c, writes := reachOpen(t)
	require.NoError(t, c.SynthesizeCloseError("vhost denied"))
	require.Equal(t, ClientCloseSent, c.StateValue())

	_, method, payload := decodeMethodFrame(t, (*writes)[0].payload)
	require.Equal(t, wire.MethodClose, method)
	closeMsg, err := wire.DecodeClose(payload)
	require.NoError(t, err)
	require.Equal(t, wire.ReplyResourceError, closeMsg.ReplyCode)
	require.Equal(t, "vhost denied", closeMsg.ReplyText)
}
