package cardemu

import (
	"context"

	"github.com/hexdigest/apdu"
)

//Transmitter is anything that can exchange a raw command APDU for a raw response APDU:
//a secure element channel, the in-process exchange or a physical card
type Transmitter interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
}

type logger interface {
	Printf(format string, args ...interface{})
}

//APDUSender logs every exchange going through the underlying Transmitter
type APDUSender struct {
	tr  Transmitter
	log logger
}

func NewAPDUSender(tr Transmitter, lg logger) APDUSender {
	return APDUSender{tr: tr, log: lg}
}

//Transmit sends raw command and returns raw response including the status word
func (s APDUSender) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	s.log.Printf("-> %X\n", cmd)

	rx, err := s.tr.Transmit(ctx, cmd)
	if err != nil {
		return nil, err
	}

	s.log.Printf("<- %X\n", rx)

	return rx, nil
}

//Send encodes a, transmits it and returns response data without the status word
func (s APDUSender) Send(a apdu.APDU) ([]byte, error) {
	rx, err := s.Transmit(context.Background(), a.Bytes())
	if err != nil {
		return nil, err
	}

	return apdu.ParseResponse(rx)
}
