package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartRoundTrip(t *testing.T) {
	s := Start{
		VersionMajor: 0, VersionMinor: 9,
		ServerProperties: Table{{Name: "product", Value: Value{Tag: TagLongString, Str: "amqpprox"}}},
		Mechanisms:       "PLAIN AMQPLAIN",
		Locales:          "en_US",
	}
	decoded, err := DecodeStart(EncodeStart(s))
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestStartOkRoundTrip(t *testing.T) {
	s := StartOk{
		ClientProperties: Table{{Name: "platform", Value: Value{Tag: TagLongString, Str: "go"}}},
		Mechanism:        "PLAIN",
		Response:         []byte{0, 'u', 's', 'e', 'r', 0, 'p', 'a', 's', 's'},
		Locale:           "en_US",
	}
	decoded, err := DecodeStartOk(EncodeStartOk(s))
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestTuneRoundTrip(t *testing.T) {
	tu := Tune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60}
	decoded, err := DecodeTune(EncodeTune(tu))
	require.NoError(t, err)
	require.Equal(t, tu, decoded)

	decodedOk, err := DecodeTuneOk(EncodeTuneOk(tu))
	require.NoError(t, err)
	require.Equal(t, tu, decodedOk)
}

func TestOpenRoundTrip(t *testing.T) {
	o := Open{VirtualHost: "/production", Reserved1: "", Reserved2: false}
	decoded, err := DecodeOpen(EncodeOpen(o))
	require.NoError(t, err)
	require.Equal(t, o, decoded)

	ok := OpenOk{Reserved1: ""}
	decodedOk, err := DecodeOpenOk(EncodeOpenOk(ok))
	require.NoError(t, err)
	require.Equal(t, ok, decodedOk)
}

func TestCloseRoundTrip(t *testing.T) {
	c := Close{ReplyCode: ReplyResourceError, ReplyText: "The connection for /prod, is limited by proxy.", ClassID: 10, MethodID: 40}
	decoded, err := DecodeClose(EncodeClose(c))
	require.NoError(t, err)
	require.Equal(t, c, decoded)

	closeOk := EncodeCloseOk()
	class, method, _, err := DecodeMethodHeader(closeOk)
	require.NoError(t, err)
	require.Equal(t, ClassConnection, class)
	require.Equal(t, MethodCloseOk, method)
}

func TestDecodeMethodHeaderTruncated(t *testing.T) {
	_, _, _, err := DecodeMethodHeader([]byte{0, 10})
	require.Error(t, err)
}
