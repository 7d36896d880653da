package emv

import (
	"regexp"
	"strings"
	"sync"

	"github.com/hexdigest/bertlv"
	"github.com/hexdigest/cardemu"
	"github.com/pkg/errors"
)

//DefaultSwipeData is a prepaid Visa debit card with no balance,
//so the emulator has a card configured until the user switches to their own one
const DefaultSwipeData = "%B4046460664629718^000NETSPEND^161012100000181000000?;4046460664629718=16101210000018100000?"

//ErrProfileParse is returned when swipe data has no valid Track 2 field
var ErrProfileParse = errors.New("no track 2 data in swipe data")

//track 2 starts with ';', PAN is 12-19 digits, '=' separates it from expiration date,
//service code and discretionary data, '?' is the end sentinel
var track2Pattern = regexp.MustCompile(`;(\d{12,19}=\d{1,128})\?`)

//ExtractTrack2 returns the Track 2 equivalent field (PAN=data) of the swipe data
func ExtractTrack2(swipeData string) (string, error) {
	m := track2Pattern.FindStringSubmatch(swipeData)
	if m == nil {
		return "", ErrProfileParse
	}

	return m[1], nil
}

//BuildReadRecordResponse compiles swipe data into the READ RECORD response:
//record template 70 holding Track 2 equivalent data 57, followed by 9000
func BuildReadRecordResponse(swipeData string) ([]byte, error) {
	track2, err := ExtractTrack2(swipeData)
	if err != nil {
		return nil, err
	}

	//'=' has no hex digit of its own, EMV encodes the separator as nibble D
	//and pads odd length data with nibble F
	digits := strings.Replace(track2, "=", "D", 1)
	if len(digits)%2 != 0 {
		digits += "F"
	}

	data, err := cardemu.HexToBytes(digits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode track 2 data")
	}

	record := bertlv.TagValue{
		T: TagRecordTemplate,
		V: bertlv.TagValue{T: TagTrack2EquivalentData, V: data}.Bytes(),
	}.Bytes()

	return cardemu.Concat(record, SWNoError.Bytes()), nil
}

//Profile holds the compiled READ RECORD response for the current swipe data.
//It is safe to reconfigure while commands are being answered.
type Profile struct {
	mu     sync.RWMutex
	swipe  string
	record []byte
	card   *Card
}

//NewProfile returns a profile compiled from swipeData
func NewProfile(swipeData string) (*Profile, error) {
	p := &Profile{}
	if err := p.Configure(swipeData); err != nil {
		return p, err
	}

	return p, nil
}

//Configure recompiles the profile when swipeData differs from the current one.
//On failure no READ RECORD response is available until a valid swipe data is configured.
func (p *Profile) Configure(swipeData string) error {
	p.mu.RLock()
	unchanged := p.record != nil && p.swipe == swipeData
	p.mu.RUnlock()

	if unchanged {
		return nil
	}

	record, err := BuildReadRecordResponse(swipeData)

	//short discretionary data has no expiration date to decode,
	//the record is still what the card answers
	var card *Card
	if err == nil {
		card, _ = ParseRecord(record[:len(record)-2])
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.swipe = swipeData
	if err != nil {
		p.record = nil
		p.card = nil
		return errors.Wrap(err, "failed to compile swipe data")
	}

	p.record = record
	p.card = card

	return nil
}

//ReadRecordResponse returns a copy of the compiled response, false if there is none
func (p *Profile) ReadRecordResponse() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.record == nil {
		return nil, false
	}

	return cardemu.Concat(p.record), true
}

//Card returns PAN and expiration date of the configured card, nil when there is
//no record or the record can't be decoded
func (p *Profile) Card() *Card {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.card == nil {
		return nil
	}

	c := *p.card
	return &c
}

//SwipeData returns the last configured swipe data, valid or not
func (p *Profile) SwipeData() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.swipe
}
