package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/raquet/pkg/raquet"
)

func TestRecordCodec_EncodeDecodeRoundTrip(t *testing.T) {
	codec := NewRecordCodec()

	testCases := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"row key", RowKey(42), []byte("payload")},
		{"schema key", SchemaKey, []byte(`{"columns":[]}`)},
		{"empty value", RowKey(1), []byte{}},
		{"both empty", []byte{}, []byte{}},
		{"large value", RowKey(9), bytes.Repeat([]byte("v"), 1<<16)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := codec.Encode(tc.key, tc.value)
			require.NoError(t, err)
			assert.Len(t, encoded, HeaderSize+len(tc.key)+len(tc.value))

			record, err := codec.Decode(encoded)
			require.NoError(t, err)
			require.NoError(t, record.Validate())
			assert.Equal(t, tc.key, record.Key)
			assert.Equal(t, tc.value, record.Value)
			assert.Equal(t, len(encoded), record.Size())
		})
	}
}

func TestRecordCodec_DetectsCorruption(t *testing.T) {
	codec := NewRecordCodec()
	encoded, err := codec.Encode(RowKey(3), []byte("block bytes"))
	require.NoError(t, err)

	for _, pos := range []int{4, HeaderSize, len(encoded) - 1} {
		corrupt := append([]byte{}, encoded...)
		corrupt[pos] ^= 0xff

		record, err := codec.Decode(corrupt)
		if err != nil {
			assert.ErrorIs(t, err, ErrShortRecord, "byte %d", pos)
			continue
		}
		assert.ErrorIs(t, record.Validate(), ErrChecksum, "byte %d", pos)
	}
}

func TestRecordCodec_ShortData(t *testing.T) {
	codec := NewRecordCodec()

	_, err := codec.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortRecord)

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[4:], 10)
	_, err = codec.Decode(header)
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestRowKey(t *testing.T) {
	cell := uint64(5193776270265024511)
	key := RowKey(cell)
	assert.True(t, IsRowKey(key))
	assert.False(t, IsSchemaKey(key))

	back, err := CellFromKey(key)
	require.NoError(t, err)
	assert.Equal(t, cell, back)

	// byte order follows cell order
	assert.Negative(t, bytes.Compare(RowKey(1), RowKey(256)))

	_, err = CellFromKey(SchemaKey)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.True(t, IsSchemaKey(SchemaKey))
}

func TestRow_RoundTrip(t *testing.T) {
	md := `{"version":"0.1.0"}`
	empty := ""

	tests := []struct {
		name string
		row  raquet.Row
	}{
		{"metadata row", raquet.Row{Block: 0, Metadata: &md, Bands: make([][]byte, 3)}},
		{"data row", raquet.Row{Block: 77, Bands: [][]byte{{1, 2, 3}, {4}}}},
		{"null band", raquet.Row{Block: 78, Bands: [][]byte{nil, {9, 9}}}},
		{"empty payload", raquet.Row{Block: 79, Bands: [][]byte{{}}}},
		{"empty metadata", raquet.Row{Block: 0, Metadata: &empty, Bands: [][]byte{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRow(tt.row)
			require.NoError(t, err)

			back, err := DecodeRow(tt.row.Block, data)
			require.NoError(t, err)
			assert.Equal(t, tt.row.Block, back.Block)
			assert.Equal(t, tt.row.Metadata, back.Metadata)
			require.Len(t, back.Bands, len(tt.row.Bands))
			for i := range tt.row.Bands {
				assert.Equal(t, tt.row.Bands[i] == nil, back.Bands[i] == nil, "band %d nullness", i)
				assert.Equal(t, tt.row.Bands[i], back.Bands[i])
			}
		})
	}
}

func TestDecodeRow_Malformed(t *testing.T) {
	data, err := EncodeRow(raquet.Row{Block: 5, Bands: [][]byte{{1, 2, 3, 4}}})
	require.NoError(t, err)

	_, err = DecodeRow(5, data[:len(data)-1])
	assert.ErrorIs(t, err, ErrMalformedRow)

	_, err = DecodeRow(5, append(data, 0))
	assert.ErrorIs(t, err, ErrMalformedRow)

	_, err = DecodeRow(5, nil)
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestSchema_RoundTrip(t *testing.T) {
	s := raquet.NewSchema(2)
	data, err := EncodeSchema(s)
	require.NoError(t, err)

	back, err := DecodeSchema(data)
	require.NoError(t, err)
	assert.Equal(t, s, back)

	_, err = DecodeSchema([]byte("{"))
	assert.ErrorIs(t, err, ErrMalformedRow)
}
