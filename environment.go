package nodeflow

import (
	"fmt"
	"os"
	"strings"
)

// Environment gives nodes access to configuration values and secrets.
type Environment interface {
	Lookup(name string) (string, bool)
}

// MapEnvironment is an Environment backed by a map.
type MapEnvironment map[string]string

func (m MapEnvironment) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// OSEnvironment reads process environment variables. When Prefix is set,
// Lookup("API_TOKEN") reads PREFIX_API_TOKEN.
type OSEnvironment struct {
	Prefix string
}

func (e OSEnvironment) Lookup(name string) (string, bool) {
	key := name
	if e.Prefix != "" {
		key = strings.TrimSuffix(e.Prefix, "_") + "_" + name
	}
	return os.LookupEnv(key)
}

// RequireSecret returns the named value or a system error wrapping
// ErrMissingCredential. Empty values count as missing.
func RequireSecret(env Environment, name string) (string, error) {
	if env != nil {
		if v, ok := env.Lookup(name); ok && v != "" {
			return v, nil
		}
	}
	return "", SystemError(fmt.Errorf("%w: %s is not set", ErrMissingCredential, name))
}
