// Package config loads and validates devstation configuration from YAML
// files. Configuration controls where state lives on disk (checkpoints,
// journal, lock), how failures are retried, and which packages and users
// the provisioning phases install and create. All paths are expanded to
// absolute paths at load time so later chdir calls cannot shift state.
package config
