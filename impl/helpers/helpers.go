package helpers

import (
	"regexp"
)

var srch = `([a-f0-9]{64})`
var re = regexp.MustCompile(srch)

// GetDigestFrom looks in the passed arg for a 64-character digest and, if
// found, returns the digest without a sha256: prefix.
func GetDigestFrom(str string) string {
	tmpdgst := re.FindStringSubmatch(str)
	if len(tmpdgst) == 2 {
		return tmpdgst[1]
	}
	return ""
}

// ShortenDigests replaces every 64-character digest in the passed string
// with its first 12 characters.
func ShortenDigests(str string) string {
	return re.ReplaceAllStringFunc(str, func(d string) string {
		return d[:12]
	})
}

// Short returns a digest like sha256:0123456789ab for logging
func Short(digest string) string {
	if d := GetDigestFrom(digest); d != "" {
		return "sha256:" + d[:12]
	}
	return digest
}
