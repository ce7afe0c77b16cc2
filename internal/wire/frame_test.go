package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: FrameMethod, Channel: 0, Payload: []byte{0, 10, 0, 10}},
		{Type: FrameHeartbeat, Channel: 0, Payload: []byte{}},
		{Type: FrameBody, Channel: 7, Payload: make([]byte, 4096)},
	}
	for _, f := range cases {
		out := make([]byte, EncodedSize(len(f.Payload)))
		n, err := Encode(f, out, DefaultMaxFrameSize)
		require.NoError(t, err)
		require.Equal(t, len(out), n)

		decoded, consumed, err := Decode(out, DefaultMaxFrameSize)
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, f.Type, decoded.Type)
		require.Equal(t, f.Channel, decoded.Channel)
		require.Equal(t, f.Payload, decoded.Payload)
	}
}

func TestDecodeNeedsMoreData(t *testing.T) {
	f := Frame{Type: FrameMethod, Channel: 1, Payload: []byte("hello")}
	out := make([]byte, EncodedSize(len(f.Payload)))
	_, err := Encode(f, out, DefaultMaxFrameSize)
	require.NoError(t, err)

	for i := 0; i < len(out)-1; i++ {
		_, _, err := Decode(out[:i], DefaultMaxFrameSize)
		require.ErrorIs(t, err, ErrNeedMoreData)
	}
}

func TestDecodeMissingFrameEnd(t *testing.T) {
	f := Frame{Type: FrameMethod, Channel: 1, Payload: []byte("hi")}
	out := make([]byte, EncodedSize(len(f.Payload)))
	_, err := Encode(f, out, DefaultMaxFrameSize)
	require.NoError(t, err)

	out[len(out)-1] = 0x00
	_, _, err = Decode(out, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrMissingFrameEnd)
}

func TestDecodeOversizedFrameRejected(t *testing.T) {
	f := Frame{Type: FrameBody, Channel: 0, Payload: make([]byte, 100)}
	out := make([]byte, EncodedSize(len(f.Payload)))
	_, err := Encode(f, out, 0)
	require.NoError(t, err)

	_, _, err = Decode(out, 50)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeOutOfSpace(t *testing.T) {
	f := Frame{Type: FrameMethod, Channel: 0, Payload: []byte("abcdef")}
	out := make([]byte, 2)
	_, err := Encode(f, out, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrOutOfSpace)
}

func TestMatchProtocolHeader(t *testing.T) {
	require.True(t, MatchProtocolHeader(ProtocolHeader[:]))
	require.True(t, MatchProtocolHeader(LegacyProtocolHeader[:]))
	require.False(t, MatchProtocolHeader([]byte("GARBAGE!")))
	require.False(t, MatchProtocolHeader([]byte("short")))
}
