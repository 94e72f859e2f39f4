package registry

import (
	"strings"
)

// Challenge is one challenge from a WWW-Authenticate header, e.g.:
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"
//
// Param keys are lower-cased. The scheme is lower-cased.
type Challenge struct {
	Scheme string
	Params map[string]string
}

// ParseChallenges tokenizes a WWW-Authenticate header value into its challenges.
// Parameter order does not matter, unknown parameters are kept, quoted values may
// contain commas and escaped quotes, and multiple challenges in one header
// are supported.
func ParseChallenges(header string) []Challenge {
	var challenges []Challenge
	s := header
	for {
		s = strings.TrimLeft(s, " \t,")
		scheme, rest := readToken(s)
		if scheme == "" {
			return challenges
		}
		c := Challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
		s = rest
		for {
			s = strings.TrimLeft(s, " \t,")
			key, rest := readToken(s)
			if key == "" {
				break
			}
			rest = strings.TrimLeft(rest, " \t")
			if !strings.HasPrefix(rest, "=") {
				// the token begins the next challenge
				break
			}
			rest = strings.TrimLeft(rest[1:], " \t")
			var val string
			if strings.HasPrefix(rest, `"`) {
				val, rest = readQuoted(rest)
			} else {
				val, rest = readToken(rest)
			}
			c.Params[strings.ToLower(key)] = val
			s = rest
		}
		challenges = append(challenges, c)
	}
}

// readToken reads up to the first separator
func readToken(s string) (string, string) {
	i := strings.IndexAny(s, " \t,=\"")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// readQuoted reads a quoted string starting at s[0] and returns the unescaped
// content and the remainder after the closing quote. An unterminated string
// consumes the rest of the input.
func readQuoted(s string) (string, string) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				sb.WriteByte(s[i])
			}
		case '"':
			return sb.String(), s[i+1:]
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String(), ""
}

// find returns the first challenge with the passed scheme
func find(challenges []Challenge, scheme string) (Challenge, bool) {
	for _, c := range challenges {
		if c.Scheme == scheme {
			return c, true
		}
	}
	return Challenge{}, false
}
