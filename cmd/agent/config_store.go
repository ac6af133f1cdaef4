package main

import (
	"github.com/printhive/edge-agent/internal/config"
)

// flagStore is the config.Store the process entry point injects by default:
// values come straight from flags/environment, held in memory for the life
// of the process. It deliberately performs no disk I/O — persisting a
// configuration file is the collaborator's job the spec keeps out of scope.
// Anything needing real persistence can inject a different config.Store.
type flagStore struct {
	cfg config.Config
}

func (s *flagStore) Load() (config.Config, error) { return s.cfg, nil }

func (s *flagStore) Save(c config.Config) error {
	s.cfg = c
	return nil
}
