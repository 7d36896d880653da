package emv

import (
	"github.com/hexdigest/cardemu"
)

//PPSEName is the DF name contactless readers select first
const PPSEName = "2PAY.SYS.DDF01"

//VisaAID is the only application the emulated card advertises
var VisaAID = cardemu.MustHex("A0000000031010")

//Command signatures and canned responses. These are compared and sent
//byte for byte, readers reject anything else.
var (
	PPSESelectCommand = cardemu.MustHex(
		"00 A4 04 00 0E",
		"325041592E5359532E4444463031", //2PAY.SYS.DDF01
		"00",
	)

	PPSESelectResponse = cardemu.MustHex(
		"6F 23",
		"84 0E 325041592E5359532E4444463031",
		"A5 11",
		"BF0C 0E",
		"61 0C",
		"4F 07 A0000000031010",
		"87 01 01",
		"90 00",
	)

	VisaSelectCommand = cardemu.MustHex(
		"00 A4 04 00 07",
		"A0000000031010",
		"00",
	)

	VisaSelectResponse = cardemu.MustHex(
		"6F 1E",
		"84 07 A0000000031010",
		"A5 13",
		"50 0B 5649534120435245444954", //VISA CREDIT
		"9F38 03 9F6602",
		"90 00",
	)

	//only CLA INS P1 P2 are compared, PDOL data differs from reader to reader
	GPOCommandHeader = cardemu.MustHex("80 A8 00 00")

	GPOResponse = cardemu.MustHex(
		"80 06",
		"0080",     //AIP: MSD supported
		"08010100", //AFL: SFI 1, record 1
		"90 00",
	)

	ReadRecordCommand = cardemu.MustHex("00 B2 01 0C 00")
)

//TemplateEntry pairs a command signature with the response the card gives to it
type TemplateEntry struct {
	Name string
	Kind Kind

	//Pattern is compared to the command position by position
	Pattern []byte

	//DontCare lists positions of Pattern that are not compared
	DontCare []int

	//Prefix allows commands longer than Pattern
	Prefix bool

	//OptionalLe allows commands that omit the last byte of Pattern (Le)
	OptionalLe bool

	Response []byte
	Generate func() []byte
}

//Match reports whether cmd has the entry's signature
func (e *TemplateEntry) Match(cmd []byte) bool {
	minLen, maxLen := len(e.Pattern), len(e.Pattern)
	if e.OptionalLe {
		minLen--
	}

	if len(cmd) < minLen || (!e.Prefix && len(cmd) > maxLen) {
		return false
	}

	for i, b := range e.Pattern {
		if i >= len(cmd) {
			break
		}

		if e.ignores(i) {
			continue
		}

		if cmd[i] != b {
			return false
		}
	}

	return true
}

//Respond returns a fresh copy of the entry's response
func (e *TemplateEntry) Respond() []byte {
	if e.Generate != nil {
		return e.Generate()
	}

	return cardemu.Concat(e.Response)
}

func (e *TemplateEntry) ignores(pos int) bool {
	for _, p := range e.DontCare {
		if p == pos {
			return true
		}
	}

	return false
}

//Catalog is the fixed, ordered set of commands the card answers by itself
type Catalog struct {
	entries []*TemplateEntry
	profile *Profile
}

//NewCatalog returns the MSD catalog, READ RECORD answers are generated from profile
func NewCatalog(profile *Profile) *Catalog {
	lastByte := func(b []byte) []int { return []int{len(b) - 1} }

	c := &Catalog{profile: profile}
	c.entries = []*TemplateEntry{
		{
			Name:       "PPSE",
			Kind:       KindSelect,
			Pattern:    PPSESelectCommand,
			DontCare:   lastByte(PPSESelectCommand),
			OptionalLe: true,
			Response:   PPSESelectResponse,
		},
		{
			Name:       "SELECT VISA",
			Kind:       KindSelect,
			Pattern:    VisaSelectCommand,
			DontCare:   lastByte(VisaSelectCommand),
			OptionalLe: true,
			Response:   VisaSelectResponse,
		},
		{
			Name:     "GPO",
			Kind:     KindGPO,
			Pattern:  GPOCommandHeader,
			Prefix:   true,
			Response: GPOResponse,
		},
		{
			Name:       "READ RECORD",
			Kind:       KindReadRecord,
			Pattern:    ReadRecordCommand,
			DontCare:   lastByte(ReadRecordCommand),
			OptionalLe: true,
			Generate:   c.readRecord,
		},
	}

	return c
}

//Entries returns catalog entries in priority order
func (c *Catalog) Entries() []*TemplateEntry {
	return c.entries
}

//Profile returns the swipe profile READ RECORD answers are built from
func (c *Catalog) Profile() *Profile {
	return c.profile
}

//Respond returns the local answer for a classified command
//or false if the command must be handled elsewhere
func (c *Catalog) Respond(cl Classification) ([]byte, bool) {
	if cl.Entry == nil {
		return nil, false
	}

	return cl.Entry.Respond(), true
}

func (c *Catalog) readRecord() []byte {
	if c.profile == nil {
		return SWUnknownError.Bytes()
	}

	record, ok := c.profile.ReadRecordResponse()
	if !ok {
		return SWUnknownError.Bytes()
	}

	return record
}
