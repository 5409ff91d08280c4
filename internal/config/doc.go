// Package config loads the runtime configuration from defaults, a
// YAML file, and MYCROFT_* environment variables, in that order of
// precedence (later layers win). Watcher reports file changes so the
// services can announce configuration.updated on the bus.
package config
