// Package config loads tether-gateway configuration from YAML files.
//
// Configuration files support ${VAR} environment variable expansion and
// human-readable duration strings ("5m", "10s") which are parsed into
// time.Duration values at load time. Load validates the result before
// returning it.
package config
