package tabular

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const sniffSize = 64 << 10

// NewUTF8Reader wraps r so that it yields UTF-8 text. The charset is decided
// from a sample at the head of the stream: a UTF-8 BOM is stripped, UTF-16
// BOMs are decoded, and input that is not valid UTF-8 is read as ISO-8859-1.
func NewUTF8Reader(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, sniffSize)
	sample, _ := br.Peek(sniffSize)

	if bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}) {
		br.Discard(3)
		return br
	}

	if bytes.HasPrefix(sample, []byte{0xFF, 0xFE}) {
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(br, decoder)
	}

	if bytes.HasPrefix(sample, []byte{0xFE, 0xFF}) {
		decoder := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(br, decoder)
	}

	if validUTF8Prefix(sample) {
		return br
	}

	return transform.NewReader(br, charmap.ISO8859_1.NewDecoder())
}

// validUTF8Prefix is utf8.Valid that tolerates a rune cut off at the end of
// the sample.
func validUTF8Prefix(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			return len(b) < utf8.UTFMax && !utf8.FullRune(b)
		}
		b = b[size:]
	}
	return true
}
