package secure

import (
	"context"

	"github.com/hexdigest/apdu"
	"github.com/hexdigest/cardemu"
	"github.com/pkg/errors"
)

//ErrSelect is returned when the secure element doesn't have the application
var ErrSelect = errors.New("application select failed")

const (
	swNoError = 0x9000

	insManageChannel = 0x70
	insGetResponse   = 0xC0

	//GET RESPONSE is repeated while the card has more data, but not forever
	maxGetResponse = 32
)

//Channel is a logical channel (or the basic one, number 0) with an application selected
type Channel struct {
	session        *Session
	number         byte
	selectResponse []byte
}

func (c *Channel) Number() byte {
	return c.number
}

func (c *Channel) SelectResponse() []byte {
	return cardemu.Concat(c.selectResponse)
}

//Transmit sends cmd on the channel, CLA is rewritten to carry the channel number.
//PC/SC can't cancel a transmit, when ctx is done first the result is discarded.
func (c *Channel) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if len(cmd) < 4 {
		return nil, errors.Errorf("invalid command %X", cmd)
	}

	tx := cardemu.Concat(cmd)
	tx[0] = encodeChannel(tx[0], c.number)

	type result struct {
		resp []byte
		err  error
	}

	done := make(chan result, 1)
	go func() {
		resp, err := c.session.exchange(tx)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "transmit interrupted")
	}
}

//Close closes the logical channel, closing the basic channel does nothing
func (c *Channel) Close() error {
	if c.number == 0 {
		return nil
	}

	resp, err := c.session.exchange([]byte{0x00, insManageChannel, 0x80, c.number})
	if err != nil {
		return errors.Wrapf(err, "failed to close channel %d", c.number)
	}

	if sw := statusWord(resp); sw != swNoError {
		return errors.Errorf("failed to close channel %d: %04X", c.number, sw)
	}

	return nil
}

func (s *Session) manageChannelOpen() (byte, error) {
	resp, err := s.exchange([]byte{0x00, insManageChannel, 0x00, 0x00, 0x01})
	if err != nil {
		return 0, err
	}

	if sw := statusWord(resp); sw != swNoError || len(resp) != 3 {
		return 0, errors.Errorf("MANAGE CHANNEL failed: %X", resp)
	}

	if resp[0] == 0 || resp[0] > 19 {
		return 0, errors.Errorf("invalid channel number %d", resp[0])
	}

	return resp[0], nil
}

//exchange transmits cmd and takes care of the transport level status words:
//61XX asks for GET RESPONSE with Le=XX, 6CXX asks to repeat the command with Le=XX
func (s *Session) exchange(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.transmit(cmd)
	if err != nil {
		return nil, err
	}

	if sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]; sw1 == 0x6C {
		resp, err = s.transmit(withLe(cmd, sw2))
		if err != nil {
			return nil, err
		}
	}

	var data []byte

	for i := 0; resp[len(resp)-2] == 0x61; i++ {
		if i == maxGetResponse {
			return nil, errors.Errorf("card keeps answering %X", resp[len(resp)-2:])
		}

		data = append(data, resp[:len(resp)-2]...)

		//same channel as the original command, chaining and proprietary bits cleared
		cla := cmd[0] &^ 0x90
		resp, err = s.transmit([]byte{cla, insGetResponse, 0x00, 0x00, resp[len(resp)-1]})
		if err != nil {
			return nil, err
		}
	}

	return cardemu.Concat(data, resp), nil
}

func (s *Session) transmit(cmd []byte) ([]byte, error) {
	resp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to transmit %X", cmd)
	}

	if len(resp) < 2 {
		return nil, errors.Errorf("invalid response to %X: %X", cmd, resp)
	}

	return resp, nil
}

func selectCommand(aid []byte, channel byte) []byte {
	a := apdu.Select(aid)
	a.Cla = encodeChannel(a.Cla, channel)

	return a.Bytes()
}

//withLe returns a copy of a short command with its Le set to le
func withLe(cmd []byte, le byte) []byte {
	out := cardemu.Concat(cmd)

	switch {
	case len(cmd) == 4:
		return append(out, le)
	case len(cmd) == 5:
		out[4] = le
		return out
	case len(cmd) == 5+int(cmd[4]):
		return append(out, le)
	}

	out[len(out)-1] = le
	return out
}

//encodeChannel puts a logical channel number into CLA. Channels 0-3 use the first
//interindustry encoding (bits 2-1), channels 4-19 the further one (bit 7 set, bits 4-1).
//The proprietary bit, command chaining and secure messaging indication are kept.
func encodeChannel(cla, channel byte) byte {
	if channel == 0 {
		return cla
	}

	prop := cla & 0x80
	chained := cla & 0x10

	if channel < 4 {
		return prop | chained | cla&0x0C | channel
	}

	var sm byte
	if cla&0x0C != 0 {
		sm = 0x20
	}

	return prop | 0x40 | sm | chained | (channel - 4)
}

func statusWord(resp []byte) uint16 {
	if len(resp) < 2 {
		return 0
	}

	return uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
}
