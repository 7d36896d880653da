package emv

import (
	"math/rand"
	"testing"

	"github.com/hexdigest/cardemu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	profile, err := NewProfile(DefaultSwipeData)
	require.NoError(t, err)

	return NewCatalog(profile)
}

func TestCatalog_PPSE(t *testing.T) {
	c := newTestCatalog(t)

	cl, err := c.Classify(cardemu.MustHex("00A404000E325041592E5359532E444446303100"))
	require.NoError(t, err)
	require.True(t, cl.Local())

	resp, ok := c.Respond(cl)
	require.True(t, ok)

	assert.Equal(t, KindSelect, cl.Kind)
	assert.Equal(t, "6F23840E325041592E5359532E4444463031A511BF0C0E610C4F07A0000000031010870101"+"9000",
		cardemu.BytesToHex(resp))
	assert.Equal(t, []byte(PPSEName), cl.AID)
}

func TestCatalog_SelectVisa(t *testing.T) {
	c := newTestCatalog(t)

	for _, cmd := range []string{"00A4040007A000000003101000", "00A4040007A0000000031010"} {
		cl, err := c.Classify(cardemu.MustHex(cmd))
		require.NoError(t, err)

		resp, ok := c.Respond(cl)
		require.True(t, ok, cmd)

		assert.Equal(t, "6F1E8407A0000000031010A513500B56495341204352454449549F38039F66029000",
			cardemu.BytesToHex(resp))
		assert.Equal(t, VisaAID, cl.AID)
	}
}

func TestCatalog_GPOIgnoresData(t *testing.T) {
	c := newTestCatalog(t)
	r := rand.New(rand.NewSource(1))

	tails := [][]byte{
		nil,
		cardemu.MustHex("06 8304 B620C000 00"),
		cardemu.MustHex("11 830F B620C000 000000001000 12345678 0933"),
	}

	for i := 0; i < 20; i++ {
		tail := make([]byte, 1+r.Intn(64))
		r.Read(tail)
		tails = append(tails, tail)
	}

	for _, tail := range tails {
		cl, err := c.Classify(cardemu.Concat(GPOCommandHeader, tail))
		require.NoError(t, err)

		resp, ok := c.Respond(cl)
		require.True(t, ok, "%X", tail)

		assert.Equal(t, KindGPO, cl.Kind)
		assert.Equal(t, "800600800801010090"+"00", cardemu.BytesToHex(resp))
	}
}

func TestCatalog_ReadRecord(t *testing.T) {
	c := newTestCatalog(t)

	cl, err := c.Classify(ReadRecordCommand)
	require.NoError(t, err)

	resp, ok := c.Respond(cl)
	require.True(t, ok)

	assert.Equal(t, KindReadRecord, cl.Kind)
	assert.Equal(t, "701557134046460664629718D16101210000018100000F9000", cardemu.BytesToHex(resp))
}

func TestCatalog_ReadRecordWithoutProfile(t *testing.T) {
	profile, err := NewProfile("no track data here")
	require.Error(t, err)

	for _, c := range []*Catalog{NewCatalog(nil), NewCatalog(profile)} {
		cl, err := c.Classify(ReadRecordCommand)
		require.NoError(t, err)

		resp, ok := c.Respond(cl)
		require.True(t, ok)
		assert.Equal(t, SWUnknownError.Bytes(), resp)
	}
}

func TestCatalog_FollowsProfile(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.Profile().Configure(";5413330089020011=2512101?"))

	cl, err := c.Classify(ReadRecordCommand)
	require.NoError(t, err)

	resp, _ := c.Respond(cl)
	assert.Equal(t, "700E570C5413330089020011D2512101"+"9000", cardemu.BytesToHex(resp))
}

func TestCatalog_Unmatched(t *testing.T) {
	c := newTestCatalog(t)

	tests := []struct {
		name string
		cmd  string
		kind Kind
	}{
		{name: "other AID", cmd: "00A4040007A000000004101000", kind: KindSelect},
		{name: "other record", cmd: "00B2021400", kind: KindReadRecord},
		{name: "GPO with P1", cmd: "80A8010002830000", kind: KindGPO},
		{name: "GET DATA", cmd: "80CA9F1700", kind: KindUnknown},
		{name: "header only", cmd: "00A4", kind: KindSelect},
		{name: "PPSE with trailing garbage", cmd: "00A404000E325041592E5359532E44444630310000", kind: KindSelect},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cl, err := c.Classify(cardemu.MustHex(tc.cmd))
			require.NoError(t, err)

			assert.False(t, cl.Local())
			assert.Equal(t, tc.kind, cl.Kind)

			_, ok := c.Respond(cl)
			assert.False(t, ok)
		})
	}
}

func TestCatalog_RespondReturnsCopy(t *testing.T) {
	c := newTestCatalog(t)

	for _, e := range c.Entries() {
		resp := e.Respond()
		resp[0] ^= 0xFF

		assert.NotEqual(t, resp, e.Respond(), e.Name)
	}

	assert.Equal(t, byte(0x6F), PPSESelectResponse[0])
}

func TestCatalog_Priority(t *testing.T) {
	c := newTestCatalog(t)

	var names []string
	for _, e := range c.Entries() {
		names = append(names, e.Name)
	}

	assert.Equal(t, []string{"PPSE", "SELECT VISA", "GPO", "READ RECORD"}, names)
}

func TestTemplateEntry_Match(t *testing.T) {
	e := &TemplateEntry{Pattern: []byte{1, 2, 3, 4}, DontCare: []int{2}}

	assert.True(t, e.Match([]byte{1, 2, 3, 4}))
	assert.True(t, e.Match([]byte{1, 2, 0xFF, 4}))
	assert.False(t, e.Match([]byte{1, 2, 3}))
	assert.False(t, e.Match([]byte{1, 2, 3, 4, 5}))
	assert.False(t, e.Match([]byte{1, 2, 3, 5}))

	e.OptionalLe = true
	assert.True(t, e.Match([]byte{1, 2, 3}))
	assert.False(t, e.Match([]byte{1, 2}))

	e.Prefix = true
	assert.True(t, e.Match([]byte{1, 2, 3, 4, 5}))
}
