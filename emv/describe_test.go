package emv

import (
	"testing"

	"github.com/hexdigest/cardemu"
	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
		want string
	}{
		{
			name: "application select",
			resp: VisaSelectResponse,
			want: "6F[84=A0000000031010 A5[50=5649534120435245444954 9F38=9F6602]] SW=9000 (success)",
		},
		{
			name: "GPO",
			resp: GPOResponse,
			want: "80=008008010100 SW=9000 (success)",
		},
		{
			name: "status word only",
			resp: SWUnknownError.Bytes(),
			want: "SW=6F00 (unknown error)",
		},
		{
			name: "too short",
			resp: []byte{0x90},
			want: "90",
		},
		{
			name: "not TLV",
			resp: cardemu.MustHex("5A 10 01 90 00"),
			want: "5A1001 SW=9000 (success)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Describe(tc.resp))
		})
	}
}
