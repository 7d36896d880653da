package emv

import (
	"github.com/hexdigest/apdu"
	"github.com/pkg/errors"
)

//ErrInvalidCommand is returned for commands that don't even have CLA and INS bytes.
//Such commands are never answered.
var ErrInvalidCommand = errors.New("invalid command APDU")

//Kind is the kind of a command as far as the emulator is concerned
type Kind int

const (
	KindUnknown Kind = iota
	KindSelect
	KindGPO
	KindReadRecord
)

const (
	insSelect     = 0xA4
	insGPO        = 0xA8
	insReadRecord = 0xB2
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindGPO:
		return "GPO"
	case KindReadRecord:
		return "READ RECORD"
	}

	return "UNKNOWN"
}

//Classification is the outcome of matching a command against the catalog
type Classification struct {
	Kind Kind

	//Entry is the matched catalog entry, nil if the card can't answer by itself
	Entry *TemplateEntry

	//AID is the data field of a SELECT command
	AID []byte
}

//Local reports whether the catalog answers the command
func (c Classification) Local() bool {
	return c.Entry != nil
}

//Classify matches cmd against catalog entries in priority order, first match wins.
//Commands that don't match any entry are labeled by their INS byte.
func (c *Catalog) Classify(cmd []byte) (Classification, error) {
	if len(cmd) < 2 {
		return Classification{}, errors.Wrapf(ErrInvalidCommand, "length %d", len(cmd))
	}

	var cl Classification

	for _, e := range c.entries {
		if e.Match(cmd) {
			cl.Kind = e.Kind
			cl.Entry = e
			break
		}
	}

	if cl.Entry == nil {
		switch cmd[1] {
		case insSelect:
			cl.Kind = KindSelect
		case insGPO:
			cl.Kind = KindGPO
		case insReadRecord:
			cl.Kind = KindReadRecord
		}
	}

	if cl.Kind == KindSelect {
		a, err := ParseCommand(cmd)
		if err != nil {
			return Classification{}, err
		}
		cl.AID = a.Data
	}

	return cl, nil
}

//ParseCommand decodes a short command APDU. Missing P1/P2 are left zero,
//data field is only set when Lc agrees with the command length.
func ParseCommand(raw []byte) (apdu.APDU, error) {
	var a apdu.APDU

	if len(raw) < 2 {
		return a, errors.Wrapf(ErrInvalidCommand, "length %d", len(raw))
	}

	a.Cla, a.Ins = raw[0], raw[1]
	if len(raw) > 2 {
		a.P1 = raw[2]
	}

	if len(raw) > 3 {
		a.P2 = raw[3]
	}

	if len(raw) <= 5 {
		return a, nil
	}

	lc := int(raw[4])
	if lc > 0 && len(raw) >= 5+lc && len(raw) <= 6+lc {
		a.Data = append([]byte(nil), raw[5:5+lc]...)
	}

	return a, nil
}
