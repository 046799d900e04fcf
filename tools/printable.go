package tools

import (
	"strings"
	"unicode"
)

type printableType interface {
	~string | ~[]rune | ~[]byte
}

// IsPrintable drops every rune that is not printable, byte input is decoded as UTF-8.
func IsPrintable[T printableType](v T) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, string(v))
}

// Summary is the printable part of at most limit bytes of b, "..." marks a cut.
func Summary(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		return IsPrintable(b[:limit]) + "..."
	}
	return IsPrintable(b)
}
