package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldTableRoundTrip(t *testing.T) {
	table := Table{
		{Name: "bool", Value: Value{Tag: TagBoolean, Bool: true}},
		{Name: "i8", Value: Value{Tag: TagShortShort, Int: -5}},
		{Name: "u8", Value: Value{Tag: TagShortShortU, UInt: 250}},
		{Name: "i16", Value: Value{Tag: TagShort, Int: -1000}},
		{Name: "u16", Value: Value{Tag: TagShortU, UInt: 1000}},
		{Name: "i32", Value: Value{Tag: TagLong, Int: -70000}},
		{Name: "u32", Value: Value{Tag: TagLongU, UInt: 70000}},
		{Name: "i64", Value: Value{Tag: TagLongLong, Int: -5000000000}},
		{Name: "u64", Value: Value{Tag: TagLongLongU, UInt: 5000000000}},
		{Name: "double", Value: NewDouble(3.14159)},
		{Name: "str", Value: Value{Tag: TagLongString, Str: "hello world"}},
		{Name: "ts", Value: Value{Tag: TagTimestamp, UInt: 1700000000}},
		{Name: "void", Value: Value{Tag: TagVoid}},
		{Name: "bytes", Value: Value{Tag: TagByteArray, Raw: []byte{1, 2, 3, 4}}},
		{Name: "arr", Value: Value{Tag: TagArray, Array: []Value{
			{Tag: TagLong, Int: 1},
			{Tag: TagLong, Int: 2},
		}}},
		{Name: "nested", Value: Value{Tag: TagFieldTable, Table: Table{
			{Name: "inner", Value: Value{Tag: TagLongString, Str: "v"}},
		}}},
	}

	encoded := WriteTable(nil, table)
	decoded, consumed, err := ReadTable(encoded, 0)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Equal(t, table, decoded)
}

func TestShortAndLongStringRoundTrip(t *testing.T) {
	short := WriteShortString(nil, "vhost-name")
	s, n, err := ReadShortString(short, 0)
	require.NoError(t, err)
	require.Equal(t, "vhost-name", s)
	require.Equal(t, len(short), n)

	long := WriteLongString(nil, "a longer string that needs 4 bytes of length prefix")
	l, n, err := ReadLongString(long, 0)
	require.NoError(t, err)
	require.Equal(t, len(long), n)
	require.NotEmpty(t, l)
}

func TestTableGet(t *testing.T) {
	table := Table{{Name: "k", Value: Value{Tag: TagLongString, Str: "v"}}}
	v, ok := table.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v.Str)

	_, ok = table.Get("missing")
	require.False(t, ok)
}
