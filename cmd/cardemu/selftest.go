package main

import (
	"context"
	"time"

	"github.com/hexdigest/cardemu"
	"github.com/hexdigest/cardemu/dispatch"
	"github.com/hexdigest/cardemu/emv"
	"github.com/hexdigest/cardemu/listener"
	"github.com/pkg/errors"
)

var selfTestTerminal = emv.TerminalConfig{
	TerminalTransactionQualifiers: 0xb620c000,
	TransactionCurrencyCode:       933, //BYN
	TerminalCountryCode:           112, //BY
}

//selfTest reads the emulated card the way a contactless terminal does,
//without an NFC reader in between
func selfTest(factory listener.Factory, responseTimeout time.Duration, lg logger) (*emv.Card, dispatch.Stats, error) {
	ex := dispatch.NewExchange(responseTimeout)
	d := factory(ex)
	ex.Attach(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)

	card, err := emv.ProcessTarget(cardemu.NewAPDUSender(ex, lg), selfTestTerminal)

	d.OnDeactivate("self-test finished")
	d.Wait()

	if err != nil {
		return nil, d.Stats(), errors.Wrap(err, "self-test failed")
	}

	return card, d.Stats(), nil
}
