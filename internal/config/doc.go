// Package config loads server configuration from environment variables
// prefixed with REP_ and an optional YAML config file. Environment variables
// win over the file, which wins over compiled-in defaults.
package config
