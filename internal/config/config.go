// Package config defines the agent's configuration data type and the
// persistence seam the process entry point is expected to fill in (spec §6,
// §1's Non-goals: "JSON configuration file load/save" is an external
// collaborator, not reimplemented here).
package config

import "github.com/google/uuid"

// Config is everything the core needs to reach the control plane and drive
// its own logging (spec §6's "Configuration" external interface).
type Config struct {
	ServerHost string `json:"server_host"`
	ClientID   string `json:"client_id"`
	Secret     string `json:"secret"`
	LogLevel   string `json:"log_level"`
}

// Store loads and saves a Config. The core consumes a Store but does not
// implement one: file location, format, and write durability are a
// collaborator's concern (spec §1).
type Store interface {
	Load() (Config, error)
	Save(Config) error
}

// NewClientID mints a fresh, stable client identifier the way the core
// generates one at first launch when none is configured (spec §6: "A stable
// UUID is generated at first launch and persisted"). Persisting the result
// back through a Store is the caller's job.
func NewClientID() string {
	return uuid.NewString()
}
