package wire

import (
	"encoding/binary"
	"fmt"
)

// connection.* method ids, AMQP 0-9-1 class 10.
const (
	MethodStart   uint16 = 10
	MethodStartOk uint16 = 11
	MethodTune    uint16 = 30
	MethodTuneOk  uint16 = 31
	MethodOpen    uint16 = 40
	MethodOpenOk  uint16 = 41
	MethodClose   uint16 = 50
	MethodCloseOk uint16 = 51
)

// Method is a decoded connection-class method frame payload.
type Method struct {
	Class  uint16
	ID     uint16
	Fields map[string]any
}

// DecodeMethodHeader reads the class/method ids at the front of a
// method-frame payload and returns them plus the offset of the
// method's own argument bytes.
func DecodeMethodHeader(payload []byte) (class, method uint16, offset int, err error) {
	if len(payload) < 4 {
		return 0, 0, 0, fmt.Errorf("wire: method header truncated")
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), 4, nil
}

// Start is connection.start's arguments.
type Start struct {
	VersionMajor, VersionMinor byte
	ServerProperties           Table
	Mechanisms                 string
	Locales                    string
}

// DecodeStart parses connection.start arguments.
func DecodeStart(payload []byte) (Start, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return Start{}, err
	}
	if off+2 > len(payload) {
		return Start{}, fmt.Errorf("wire: start truncated")
	}
	s := Start{VersionMajor: payload[off], VersionMinor: payload[off+1]}
	off += 2
	props, off2, err := ReadTable(payload, off)
	if err != nil {
		return Start{}, err
	}
	s.ServerProperties = props
	mech, off3, err := ReadLongString(payload, off2)
	if err != nil {
		return Start{}, err
	}
	s.Mechanisms = mech
	loc, _, err := ReadLongString(payload, off3)
	if err != nil {
		return Start{}, err
	}
	s.Locales = loc
	return s, nil
}

// EncodeStart builds a connection.start method payload.
func EncodeStart(s Start) []byte {
	buf := make([]byte, 0, 64)
	buf = appendMethodHeader(buf, ClassConnection, MethodStart)
	buf = append(buf, s.VersionMajor, s.VersionMinor)
	buf = WriteTable(buf, s.ServerProperties)
	buf = WriteLongString(buf, s.Mechanisms)
	buf = WriteLongString(buf, s.Locales)
	return buf
}

// StartOk is connection.start-ok's arguments.
type StartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         []byte
	Locale           string
}

// DecodeStartOk parses connection.start-ok arguments.
func DecodeStartOk(payload []byte) (StartOk, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return StartOk{}, err
	}
	props, off, err := ReadTable(payload, off)
	if err != nil {
		return StartOk{}, err
	}
	mech, off, err := ReadShortString(payload, off)
	if err != nil {
		return StartOk{}, err
	}
	resp, off, err := ReadLongString(payload, off)
	if err != nil {
		return StartOk{}, err
	}
	locale, _, err := ReadShortString(payload, off)
	if err != nil {
		return StartOk{}, err
	}
	return StartOk{ClientProperties: props, Mechanism: mech, Response: []byte(resp), Locale: locale}, nil
}

// EncodeStartOk builds a connection.start-ok method payload.
func EncodeStartOk(s StartOk) []byte {
	buf := make([]byte, 0, 64)
	buf = appendMethodHeader(buf, ClassConnection, MethodStartOk)
	buf = WriteTable(buf, s.ClientProperties)
	buf = WriteShortString(buf, s.Mechanism)
	buf = WriteLongString(buf, string(s.Response))
	buf = WriteShortString(buf, s.Locale)
	return buf
}

// Tune is connection.tune's arguments.
type Tune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// DecodeTune parses connection.tune arguments.
func DecodeTune(payload []byte) (Tune, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return Tune{}, err
	}
	if off+8 > len(payload) {
		return Tune{}, fmt.Errorf("wire: tune truncated")
	}
	return Tune{
		ChannelMax: binary.BigEndian.Uint16(payload[off : off+2]),
		FrameMax:   binary.BigEndian.Uint32(payload[off+2 : off+6]),
		Heartbeat:  binary.BigEndian.Uint16(payload[off+6 : off+8]),
	}, nil
}

// EncodeTune builds a connection.tune method payload.
func EncodeTune(t Tune) []byte {
	buf := make([]byte, 0, 12)
	buf = appendMethodHeader(buf, ClassConnection, MethodTune)
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], t.ChannelMax)
	binary.BigEndian.PutUint32(b[2:6], t.FrameMax)
	binary.BigEndian.PutUint16(b[6:8], t.Heartbeat)
	return append(buf, b[:]...)
}

// TuneOk mirrors Tune's argument shape.
type TuneOk = Tune

// DecodeTuneOk parses connection.tune-ok arguments.
func DecodeTuneOk(payload []byte) (TuneOk, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return TuneOk{}, err
	}
	if off+8 > len(payload) {
		return TuneOk{}, fmt.Errorf("wire: tune-ok truncated")
	}
	return TuneOk{
		ChannelMax: binary.BigEndian.Uint16(payload[off : off+2]),
		FrameMax:   binary.BigEndian.Uint32(payload[off+2 : off+6]),
		Heartbeat:  binary.BigEndian.Uint16(payload[off+6 : off+8]),
	}, nil
}

// EncodeTuneOk builds a connection.tune-ok method payload.
func EncodeTuneOk(t TuneOk) []byte {
	buf := make([]byte, 0, 12)
	buf = appendMethodHeader(buf, ClassConnection, MethodTuneOk)
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], t.ChannelMax)
	binary.BigEndian.PutUint32(b[2:6], t.FrameMax)
	binary.BigEndian.PutUint16(b[6:8], t.Heartbeat)
	return append(buf, b[:]...)
}

// Open is connection.open's arguments.
type Open struct {
	VirtualHost string
	Reserved1   string
	Reserved2   bool
}

// DecodeOpen parses connection.open arguments.
func DecodeOpen(payload []byte) (Open, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return Open{}, err
	}
	vhost, off, err := ReadShortString(payload, off)
	if err != nil {
		return Open{}, err
	}
	reserved1, off, err := ReadShortString(payload, off)
	if err != nil {
		return Open{}, err
	}
	if off >= len(payload) {
		return Open{}, fmt.Errorf("wire: open truncated")
	}
	return Open{VirtualHost: vhost, Reserved1: reserved1, Reserved2: payload[off] != 0}, nil
}

// EncodeOpen builds a connection.open method payload.
func EncodeOpen(o Open) []byte {
	buf := make([]byte, 0, 32)
	buf = appendMethodHeader(buf, ClassConnection, MethodOpen)
	buf = WriteShortString(buf, o.VirtualHost)
	buf = WriteShortString(buf, o.Reserved1)
	if o.Reserved2 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// OpenOk is connection.open-ok's (reserved) arguments.
type OpenOk struct {
	Reserved1 string
}

// DecodeOpenOk parses connection.open-ok arguments.
func DecodeOpenOk(payload []byte) (OpenOk, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return OpenOk{}, err
	}
	reserved1, _, err := ReadShortString(payload, off)
	if err != nil {
		return OpenOk{}, err
	}
	return OpenOk{Reserved1: reserved1}, nil
}

// EncodeOpenOk builds a connection.open-ok method payload.
func EncodeOpenOk(o OpenOk) []byte {
	buf := make([]byte, 0, 8)
	buf = appendMethodHeader(buf, ClassConnection, MethodOpenOk)
	return WriteShortString(buf, o.Reserved1)
}

// Close is connection.close's arguments.
type Close struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// DecodeClose parses connection.close arguments.
func DecodeClose(payload []byte) (Close, error) {
	_, _, off, err := DecodeMethodHeader(payload)
	if err != nil {
		return Close{}, err
	}
	if off+2 > len(payload) {
		return Close{}, fmt.Errorf("wire: close truncated")
	}
	code := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	text, off, err := ReadShortString(payload, off)
	if err != nil {
		return Close{}, err
	}
	if off+4 > len(payload) {
		return Close{}, fmt.Errorf("wire: close truncated")
	}
	return Close{
		ReplyCode: code,
		ReplyText: text,
		ClassID:   binary.BigEndian.Uint16(payload[off : off+2]),
		MethodID:  binary.BigEndian.Uint16(payload[off+2 : off+4]),
	}, nil
}

// EncodeClose builds a connection.close method payload.
func EncodeClose(c Close) []byte {
	buf := make([]byte, 0, 32)
	buf = appendMethodHeader(buf, ClassConnection, MethodClose)
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], c.ReplyCode)
	buf = append(buf, code[:]...)
	buf = WriteShortString(buf, c.ReplyText)
	var ids [4]byte
	binary.BigEndian.PutUint16(ids[0:2], c.ClassID)
	binary.BigEndian.PutUint16(ids[2:4], c.MethodID)
	return append(buf, ids[:]...)
}

// EncodeCloseOk builds a connection.close-ok method payload (no arguments).
func EncodeCloseOk() []byte {
	return appendMethodHeader(make([]byte, 0, 4), ClassConnection, MethodCloseOk)
}

func appendMethodHeader(buf []byte, class, method uint16) []byte {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], class)
	binary.BigEndian.PutUint16(b[2:4], method)
	return append(buf, b[:]...)
}

// ReplyCode values used by the proxy itself when synthesizing closes.
const (
	ReplyOK            uint16 = 200
	ReplyResourceError uint16 = 506
	ReplyAccessRefused uint16 = 403
)

// ProtocolHeader is the canonical AMQP 0-9-1 protocol header.
var ProtocolHeader = [8]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// LegacyProtocolHeader is the legacy variant some older clients send.
var LegacyProtocolHeader = [8]byte{'A', 'M', 'Q', 'P', 1, 1, 9, 1}

// MatchProtocolHeader reports whether buf's first 8 bytes equal either
// accepted protocol header literal.
func MatchProtocolHeader(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	var b [8]byte
	copy(b[:], buf[:8])
	return b == ProtocolHeader || b == LegacyProtocolHeader
}
