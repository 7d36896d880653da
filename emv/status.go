package emv

import (
	"fmt"

	"github.com/pkg/errors"
)

//StatusWord is the SW1-SW2 trailer every response APDU ends with
type StatusWord uint16

const (
	SWNoError      StatusWord = 0x9000
	SWUnknownError StatusWord = 0x6F00
)

func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

//ParseStatusWord returns the trailing status word of a response
func ParseStatusWord(resp []byte) (StatusWord, error) {
	if len(resp) < 2 {
		return 0, errors.Errorf("response too short: length %d", len(resp))
	}

	return NewStatusWord(resp[len(resp)-2], resp[len(resp)-1]), nil
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }
func (sw StatusWord) SW2() byte { return byte(sw) }

//Bytes returns the two byte encoding of sw, usable as a complete response
func (sw StatusWord) Bytes() []byte {
	return []byte{sw.SW1(), sw.SW2()}
}

//IsSuccess is true for 9000 and for 61XX (more data available)
func (sw StatusWord) IsSuccess() bool {
	return sw == SWNoError || sw.SW1() == 0x61
}

func (sw StatusWord) String() string {
	switch {
	case sw == SWNoError:
		return "9000 (success)"
	case sw == SWUnknownError:
		return "6F00 (unknown error)"
	case sw.SW1() == 0x61:
		return fmt.Sprintf("%04X (%d bytes available)", uint16(sw), sw.SW2())
	case sw.SW1() == 0x6C:
		return fmt.Sprintf("%04X (wrong length, correct Le is %d)", uint16(sw), sw.SW2())
	}

	return fmt.Sprintf("%04X", uint16(sw))
}
