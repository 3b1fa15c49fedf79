// Package config loads the YAML configuration of certwarden processes and
// overlays the command-line flags a user set explicitly.
package config
