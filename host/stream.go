package host

import (
	"strings"
	"unicode/utf8"
)

// textDecoder turns PTY chunks into valid UTF-8 text. A multi-byte sequence
// split across reads is held back until its remaining bytes arrive.
type textDecoder struct {
	pending []byte
}

func (d *textDecoder) decode(chunk []byte) string {
	data := append(d.pending, chunk...)
	cut := completePrefix(data)
	d.pending = append([]byte(nil), data[cut:]...)
	return strings.ToValidUTF8(string(data[:cut]), "�")
}

// completePrefix returns the length of data without a trailing incomplete
// rune.
func completePrefix(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			return i
		}
		break
	}
	return len(data)
}
