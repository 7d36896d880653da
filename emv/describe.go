package emv

import (
	"fmt"
	"strings"

	moovtlv "github.com/moov-io/bertlv"
)

//Describe renders a response APDU as a one line TLV tree followed by its status word,
//e.g. "6F[84=325041592E5359532E4444463031 A5[...]] SW=9000 (success)".
//Data that is not valid BER-TLV is printed as plain hex.
func Describe(resp []byte) string {
	sw, err := ParseStatusWord(resp)
	if err != nil {
		return fmt.Sprintf("%X", resp)
	}

	data := resp[:len(resp)-2]
	if len(data) == 0 {
		return "SW=" + sw.String()
	}

	packets, err := moovtlv.Decode(data)
	if err != nil || len(packets) == 0 {
		return fmt.Sprintf("%X SW=%s", data, sw)
	}

	var sb strings.Builder
	writeTLVs(&sb, packets)
	sb.WriteString(" SW=")
	sb.WriteString(sw.String())

	return sb.String()
}

func writeTLVs(sb *strings.Builder, packets []moovtlv.TLV) {
	for i, p := range packets {
		if i > 0 {
			sb.WriteByte(' ')
		}

		sb.WriteString(strings.ToUpper(p.Tag))

		if len(p.TLVs) > 0 {
			sb.WriteByte('[')
			writeTLVs(sb, p.TLVs)
			sb.WriteByte(']')
			continue
		}

		fmt.Fprintf(sb, "=%X", p.Value)
	}
}
