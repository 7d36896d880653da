package emv

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"github.com/hexdigest/apdu"
	"github.com/hexdigest/bertlv"
	"github.com/pkg/errors"
)

const ( //Some useful EMV tags
	TagApplicationID                           = 0x4F
	TagApplicationLabel                        = 0x50
	TagTrack2EquivalentData                    = 0x57
	TagDirectoryEntry                          = 0x61
	TagFCITemplate                             = 0x6F
	TagRecordTemplate                          = 0x70
	TagResponseMessageTemplateFormat1          = 0x80
	TagDFName                                  = 0x84
	TagApplicationPriorityIndicator            = 0x87
	TagFCIProprietaryTemplate                  = 0xA5
	TagFCIIssuerDiscretionaryData              = 0xBF0C
	TagProcessingOptionsDataObjectList         = 0x9f38
	TagApplicationFileLocator                  = 0x94
	TagCardholderName                          = 0x5f20
	TagApplicationExpirationDate               = 0x5F24
	TagApplicationPrimaryAccountNumber         = 0x5a
	TagApplicationPrimaryAccountSequenceNumber = 0x5f34 //sequence number among the cards with the same PAN
	TagApplicationCurrencyCode                 = 0x9f42
	TagLanguagePreference                      = 0x5f2d

	TagTerminalTransactionQualifiers = 0x9f66
	TagAmountAuthorized              = 0x9f02
	TagUnpredictableNumber           = 0x9f37
	TagTransactionCurrencyCode       = 0x5f2a
	TagTerminalCountryCode           = 0x9f1a
	TagCommandTemplate               = 0x83
)

//Card is what a terminal learns about the card after reading its records
type Card struct {
	Type     string
	PAN      string
	ExpYear  uint8
	ExpMonth uint8
}

type TerminalConfig struct {
	TerminalTransactionQualifiers uint32
	TransactionCurrencyCode       uint16
	TerminalCountryCode           uint16
}

type apduSender interface {
	Send(apdu.APDU) ([]byte, error)
}

var apduGetApplicationList = apdu.Select([]byte(PPSEName))

//ProcessTarget runs the terminal side of a contactless MSD transaction:
//PPSE, application selection, GPO and READ RECORD for every AFL entry.
//The emulator uses it to check its own answers end to end.
func ProcessTarget(sender apduSender, termConfig TerminalConfig) (*Card, error) {
	rx, err := sender.Send(apduGetApplicationList)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get application list")
	}

	aid, err := bertlv.Find(TagApplicationID, rx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find AID")
	}

	rx, err = sender.Send(apdu.Select(aid.V))
	if err != nil {
		return nil, errors.Wrap(err, "failed to select AID")
	}

	label, err := bertlv.Find(TagApplicationLabel, rx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find application label")
	}

	pdol, err := bertlv.Find(TagProcessingOptionsDataObjectList, rx)
	if err != nil && err != bertlv.ErrNotFound {
		return nil, errors.Wrap(err, "failed to find PDOL")
	}

	apduGPO, err := CreateGPOCommand(pdol, termConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GPO command")
	}

	rx, err = sender.Send(*apduGPO)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get processing options")
	}

	afl, err := FindAFL(rx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find AFL")
	}

	if len(afl)%4 != 0 {
		return nil, errors.Errorf("invalid AFL length")
	}

	card, err := ReadRecords(sender, afl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read records")
	}
	card.Type = string(label.V)

	return card, nil
}

//FindAFL extracts the Application File Locator from a GPO response given
//in either format 2 (tag 94 inside template 77) or format 1 (tag 80: AIP followed by AFL)
func FindAFL(gpo []byte) ([]byte, error) {
	if len(gpo) == 0 || gpo[0] != TagResponseMessageTemplateFormat1 {
		afl, err := bertlv.Find(TagApplicationFileLocator, gpo)
		if err != nil {
			return nil, err
		}

		return afl.V, nil
	}

	f1, err := bertlv.Find(TagResponseMessageTemplateFormat1, gpo)
	if err != nil {
		return nil, err
	}

	if len(f1.V) < 2 {
		return nil, errors.Errorf("format 1 response is too short: %d", len(f1.V))
	}

	return f1.V[2:], nil
}

var errNoPAN = errors.New("PAN not found")

func ReadRecords(sender apduSender, afl []byte) (*Card, error) {
	var apduReadRecord = apdu.APDU{Ins: 0xb2}

	for i := 0; i < len(afl)/4; i++ {
		chunk := afl[i*4 : (i+1)*4]
		sfi := (chunk[0] & 0xF8) | 0x04
		firstRec := chunk[1]
		lastRec := chunk[2]

		for rec := firstRec; rec <= lastRec; rec++ {
			apduReadRecord.P1 = rec
			apduReadRecord.P2 = sfi

			rx, err := sender.Send(apduReadRecord)
			if err != nil {
				return nil, errors.Wrap(err, "failed to send ReadRecord command")
			}

			card, err := ParseRecord(rx)
			if err == bertlv.ErrNotFound {
				continue
			}

			if err != nil {
				return nil, errors.Wrap(err, "failed to parse record")
			}

			return card, nil
		}
	}

	return nil, errNoPAN
}

//ParseRecord looks for the Track 2 equivalent data first and falls back
//to the PAN and expiration date tags
func ParseRecord(record []byte) (*Card, error) {
	track2, err := bertlv.Find(TagTrack2EquivalentData, record)
	if err == nil {
		return ParseTrack2(track2.V)
	}

	if err != bertlv.ErrNotFound {
		return nil, err
	}

	var card Card

	pan, err := bertlv.Find(TagApplicationPrimaryAccountNumber, record)
	if err != nil {
		return nil, err
	}

	card.PAN = hex.EncodeToString(pan.V)

	expDate, err := bertlv.Find(TagApplicationExpirationDate, record)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find expiration date")
	}

	card.ExpYear = (expDate.V[0] >> 4 * 10) + (expDate.V[0] & 0xf)  //Decoding BCD encoded expiration year
	card.ExpMonth = (expDate.V[1] >> 4 * 10) + (expDate.V[1] & 0xf) //Decoding BCD encoded expiration month

	return &card, nil
}

//ParseTrack2 decodes the binary form of Track 2 equivalent data:
//PAN, separator nibble D, YYMM expiration date, service code and discretionary data
func ParseTrack2(b []byte) (*Card, error) {
	s := strings.TrimRight(strings.ToUpper(hex.EncodeToString(b)), "F")

	sep := strings.IndexByte(s, 'D')
	if sep < 0 {
		return nil, errors.Errorf("no separator in track 2 data %s", s)
	}

	if len(s) < sep+5 {
		return nil, errors.Errorf("no expiration date in track 2 data %s", s)
	}

	yy, err := strconv.ParseUint(s[sep+1:sep+3], 10, 8)
	if err != nil {
		return nil, errors.Wrap(err, "invalid expiration year")
	}

	mm, err := strconv.ParseUint(s[sep+3:sep+5], 10, 8)
	if err != nil {
		return nil, errors.Wrap(err, "invalid expiration month")
	}

	return &Card{PAN: s[:sep], ExpYear: uint8(yy), ExpMonth: uint8(mm)}, nil
}

// CreateGPOCommand creates GPO APDU command using PDOL and terminal config
func CreateGPOCommand(pdol *bertlv.TagValue, termConfig TerminalConfig) (*apdu.APDU, error) {
	a := apdu.APDU{Cla: 0x80, Ins: 0xa8}
	if pdol == nil {
		a.Data = []byte{0x83, 0x00}
		return &a, nil
	}

	r := bytes.NewReader(pdol.V)

	var data []byte

	for {
		tag, n, err := bertlv.ReadTag(r)
		if err == io.EOF || n == 0 {
			break
		}

		if err != nil {
			return nil, err
		}

		l, _, err := bertlv.ReadLen(r)
		if err != nil {
			return nil, err
		}

		d := make([]byte, l)

		switch tag {
		case TagTerminalTransactionQualifiers:
			var ttq [4]byte
			binary.BigEndian.PutUint32(ttq[:], termConfig.TerminalTransactionQualifiers)
			copy(d, ttq[:]) //readers may ask for less than 4 bytes
		case TagAmountAuthorized:
			encodeBCD(d, uint64(1000))
		case TagUnpredictableNumber:
			encodeBCD(d, uint64(rand.Uint32()))
		case TagTransactionCurrencyCode:
			encodeBCD(d, uint64(termConfig.TransactionCurrencyCode))
		case TagTerminalCountryCode:
			encodeBCD(d, uint64(termConfig.TerminalCountryCode))
		}

		data = append(data, d...)
	}

	a.Data = bertlv.TagValue{T: TagCommandTemplate, V: data}.Bytes()
	return &a, nil
}

func encodeBCD(p []byte, u uint64) {
	if u == 0 {
		return
	}

	rem := u
	for i := len(p) - 1; i >= 0 && rem > 0; i-- {
		tail := byte(rem % 100)
		hi := tail / 10
		lo := tail % 10
		p[i] = hi<<4 + lo
		rem = rem / 100
	}
}
