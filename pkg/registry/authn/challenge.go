package authn

import (
	"strings"
)

// Scheme define the authentication method.
type Scheme string

const (
	// SchemeUnknown represents unknown or unsupported schemes.
	SchemeUnknown Scheme = ""
	// SchemeBasic represents the "Basic" HTTP authentication scheme.
	SchemeBasic Scheme = "Basic"
	// SchemeBearer represents the Bearer token in OAuth 2.0.
	SchemeBearer Scheme = "Bearer"
)

// Challenge is a parsed WWW-Authenticate response header.
type Challenge struct {
	// Scheme is the authentication method advertised by the server.
	Scheme Scheme
	// Parameters are the auth-params of the challenge, e.g. realm, service
	// and scope for the Bearer scheme.
	Parameters map[string]string
}

// ParseChallenge parses the "WWW-Authenticate" header returned by the remote
// registry. The parser is tolerant: malformed or incomplete parameters are
// dropped rather than failing the whole challenge.
func ParseChallenge(header string) Challenge {
	challenge := Challenge{Scheme: SchemeUnknown}
	schemeStr, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	switch {
	case strings.EqualFold(schemeStr, string(SchemeBasic)):
		challenge.Scheme = SchemeBasic
	case strings.EqualFold(schemeStr, string(SchemeBearer)):
		challenge.Scheme = SchemeBearer
	default:
		return challenge
	}

	for len(rest) > 0 {
		var pair string
		pair, rest = cutParameter(rest)
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, `"`) {
			value = strings.TrimPrefix(value, `"`)
			// tolerate a missing closing quote
			value = strings.TrimSuffix(value, `"`)
		}
		if key == "" || value == "" {
			continue
		}
		if challenge.Parameters == nil {
			challenge.Parameters = map[string]string{}
		}
		challenge.Parameters[key] = value
	}
	return challenge
}

// cutParameter splits off the first comma-separated auth-param, honouring
// commas inside quoted values.
func cutParameter(s string) (pair, rest string) {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
			}
		}
	}
	return strings.TrimSpace(s), ""
}
