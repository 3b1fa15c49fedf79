/*
Package log provides structured logging for certwarden using zerolog.

A single package-level Logger is configured once by Init and shared by every
component. Components derive child loggers carrying a fixed field so that log
lines can be filtered per subsystem:

	logger := log.WithComponent("provisioning")
	logger.Info().Str("node_id", id).Str("state", "CSR").Msg("state changed")

# Output

JSON is the default for servers; the console writer is used when json output is
disabled in the configuration:

	{"level":"info","component":"ca","time":"2026-10-15T10:30:00Z","message":"CA created"}
	10:30AM INF CA created component=ca

# Sensitive material

Keystore bytes, private keys and passwords must never be passed to a logger.
Log where material lives (a file path, a node ID), not what it contains.
WithNode tags both the component and the node a line is about.
*/
package log
