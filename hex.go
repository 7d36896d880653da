package cardemu

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

//ErrMalformedInput is returned when a hex string has an odd length
//or contains a character that is not a hex digit
var ErrMalformedInput = errors.New("malformed hex input")

//BytesToHex returns uppercase hex representation of b, two characters per byte
func BytesToHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

//HexToBytes decodes hex string s, both upper and lower case digits are accepted
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.Wrapf(ErrMalformedInput, "odd length %d", len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedInput, err.Error())
	}

	return b, nil
}

//MustHex is like HexToBytes but ignores spaces and panics on malformed input.
//It's meant for package level tables like "6F 23 84 0E"
func MustHex(parts ...string) []byte {
	b, err := HexToBytes(strings.ReplaceAll(strings.Join(parts, ""), " ", ""))
	if err != nil {
		panic(err)
	}

	return b
}

//Concat returns a new slice holding all parts in order
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}
