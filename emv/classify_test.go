package emv

import (
	"testing"

	"github.com/hexdigest/apdu"
	"github.com/hexdigest/cardemu"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_TooShort(t *testing.T) {
	c := newTestCatalog(t)

	for _, cmd := range [][]byte{nil, {}, {0x00}} {
		_, err := c.Classify(cmd)
		assert.Equal(t, ErrInvalidCommand, errors.Cause(err))
	}
}

func TestClassify_SelectAID(t *testing.T) {
	c := newTestCatalog(t)

	cl, err := c.Classify(cardemu.MustHex("00A4040007A000000004101000"))
	require.NoError(t, err)

	assert.Equal(t, KindSelect, cl.Kind)
	assert.Equal(t, cardemu.MustHex("A0000000041010"), cl.AID)
	assert.Nil(t, cl.Entry)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want apdu.APDU
	}{
		{name: "case 1 header only", raw: "00A4", want: apdu.APDU{Cla: 0x00, Ins: 0xA4}},
		{name: "case 1", raw: "80CA9F17", want: apdu.APDU{Cla: 0x80, Ins: 0xCA, P1: 0x9F, P2: 0x17}},
		{name: "case 2", raw: "00B2010C00", want: apdu.APDU{Ins: 0xB2, P1: 0x01, P2: 0x0C}},
		{
			name: "case 3",
			raw:  "00A4040007A0000000031010",
			want: apdu.APDU{Ins: 0xA4, P1: 0x04, Data: cardemu.MustHex("A0000000031010")},
		},
		{
			name: "case 4",
			raw:  "00A4040007A000000003101000",
			want: apdu.APDU{Ins: 0xA4, P1: 0x04, Data: cardemu.MustHex("A0000000031010")},
		},
		{name: "Lc beyond command", raw: "00A4040007A000", want: apdu.APDU{Ins: 0xA4, P1: 0x04}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCommand(cardemu.MustHex(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseCommand([]byte{0x00})
	assert.Equal(t, ErrInvalidCommand, errors.Cause(err))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "SELECT", KindSelect.String())
	assert.Equal(t, "GPO", KindGPO.String())
	assert.Equal(t, "READ RECORD", KindReadRecord.String())
	assert.Equal(t, "UNKNOWN", KindUnknown.String())
}

func TestStatusWord(t *testing.T) {
	sw, err := ParseStatusWord(PPSESelectResponse)
	require.NoError(t, err)
	assert.Equal(t, SWNoError, sw)
	assert.True(t, sw.IsSuccess())

	_, err = ParseStatusWord([]byte{0x90})
	assert.Error(t, err)

	assert.Equal(t, "6F00 (unknown error)", SWUnknownError.String())
	assert.False(t, SWUnknownError.IsSuccess())
	assert.True(t, NewStatusWord(0x61, 0x10).IsSuccess())
	assert.Equal(t, "6110 (16 bytes available)", NewStatusWord(0x61, 0x10).String())
	assert.Equal(t, "6C08 (wrong length, correct Le is 8)", NewStatusWord(0x6C, 0x08).String())
	assert.Equal(t, "6A82", NewStatusWord(0x6A, 0x82).String())
	assert.Equal(t, []byte{0x6F, 0x00}, SWUnknownError.Bytes())
}
