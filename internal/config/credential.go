package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRefPattern matches a whole-value environment reference, "$NAME" or
// "${NAME}". Partial interpolation is deliberately unsupported: an IRC
// server password or NickServ secret is either stored verbatim or delegated
// to the environment wholesale.
var envRefPattern = regexp.MustCompile(`^\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?$`)

// ResolveCredential turns a configured secret (the network's IRC server
// PASSWORD; AUTOCMD lines are sent as stored, without resolution) into its
// usable value: "$NAME"-style
// references are read from the environment so the secret never lands in the
// bridge's persisted account data, anything else is returned as-is.
func ResolveCredential(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("credential value cannot be empty")
	}

	m := envRefPattern.FindStringSubmatch(value)
	if m == nil {
		if strings.HasPrefix(value, "$") {
			return "", fmt.Errorf("credential env reference %q is invalid", value)
		}
		return value, nil
	}

	secret := strings.TrimSpace(os.Getenv(m[1]))
	if secret == "" {
		return "", fmt.Errorf("environment variable %q is not set", m[1])
	}
	return secret, nil
}
