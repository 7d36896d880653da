package main

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/hexdigest/cardemu/dispatch"
	"github.com/hexdigest/cardemu/emv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfTest(t *testing.T) {
	profile, err := emv.NewProfile(";5413330089020011=2512101?")
	require.NoError(t, err)

	var buf bytes.Buffer
	lg := log.New(&buf, "", 0)

	factory := newFactory(dispatch.Config{}, emv.NewCatalog(profile), nil, nil, lg)

	card, stats, err := selfTest(factory, time.Second, lg)
	require.NoError(t, err)

	assert.Equal(t, &emv.Card{Type: "VISA CREDIT", PAN: "5413330089020011", ExpYear: 25, ExpMonth: 12}, card)
	assert.Equal(t, uint64(4), stats.Commands)
	assert.Contains(t, buf.String(), "-> 00B2010C00")
}

func TestSelfTest_NoRecord(t *testing.T) {
	profile, err := emv.NewProfile(emv.DefaultSwipeData)
	require.NoError(t, err)

	//a failed reconfiguration leaves the card without a record
	require.Error(t, profile.Configure("no track 2 here"))

	lg := log.New(&bytes.Buffer{}, "", 0)
	factory := newFactory(dispatch.Config{}, emv.NewCatalog(profile), nil, nil, lg)

	_, _, err = selfTest(factory, time.Second, lg)
	assert.Error(t, err)
}
