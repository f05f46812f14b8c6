package export

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameLen = 50

// sanitizeFilename turns a title into an ASCII file name: accents are
// folded, spaces become dashes and anything else outside [A-Za-z0-9_-] is
// dropped.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(title) {
		if b.Len() == maxFilenameLen {
			break
		}
		switch {
		case unicode.Is(unicode.Mn, r):
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'):
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "report"
	}
	return b.String()
}
