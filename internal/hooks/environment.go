package hooks

import "os"

// EnvKey is the variable PlatformIO sets to the active environment name.
const EnvKey = "PIOENV"

// Environment is read-only access to build environment variables.
type Environment interface {
	Get(key string) (string, bool)
}

// MapEnvironment is an Environment backed by a map.
type MapEnvironment map[string]string

// Get returns the value for key.
func (m MapEnvironment) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// ProcessEnvironment reads the process environment.
type ProcessEnvironment struct{}

// Get returns the value for key.
func (ProcessEnvironment) Get(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EnvName returns the PlatformIO environment name, or "" when unknown.
func EnvName(env Environment) string {
	if env == nil {
		return ""
	}
	name, _ := env.Get(EnvKey)
	return name
}
