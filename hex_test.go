package cardemu

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesToHex(t *testing.T) {
	assert.Equal(t, "", BytesToHex(nil))
	assert.Equal(t, "00A4040007A0000000031010", BytesToHex([]byte{0x00, 0xa4, 0x04, 0x00, 0x07, 0xa0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}))
	assert.Equal(t, "FF0F", BytesToHex([]byte{0xff, 0x0f}))
}

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{name: "empty", in: "", want: []byte{}},
		{name: "upper", in: "6F00", want: []byte{0x6f, 0x00}},
		{name: "lower", in: "9000cafe", want: []byte{0x90, 0x00, 0xca, 0xfe}},
		{name: "odd length", in: "123", wantErr: true},
		{name: "non hex digit", in: "ZZ", wantErr: true},
		{name: "separator", in: "90 0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBytes(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrMalformedInput, errors.Cause(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHexRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for n := 0; n < 300; n++ {
		b := make([]byte, n)
		r.Read(b)

		s := BytesToHex(b)
		require.Len(t, s, 2*n)

		got, err := HexToBytes(s)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
}

func TestMustHex(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0xa4, 0x04, 0x00}, MustHex("00 A4", " 04 00 "))
	assert.Panics(t, func() { MustHex("0") })
}

func TestConcat(t *testing.T) {
	a := []byte{1, 2}
	b := []byte{3}

	got := Concat(a, nil, b, []byte{})
	assert.Equal(t, []byte{1, 2, 3}, got)

	got[0] = 9
	assert.Equal(t, byte(1), a[0], "Concat must not alias its inputs")

	assert.Empty(t, Concat())
}
