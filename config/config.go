// Package config is the typed configuration fpmas.New is built against
// (spec §6: the core's only external state is "the live MPI communicator
// and the in-memory graph" — everything here is ambient validated input,
// not a persisted file format, matching spec §6's "configuration file
// format ... NOT part of the core").
package config

import (
	"github.com/go-playground/validator/v10"

	errwrap "github.com/pkg/errors"
)

var validate = validator.New()

// Config is the minimal set of knobs fpmas.New needs to wire a
// simulation: the rank/world-size pair a bootstrapped communicator
// already carries, which SyncMode to install, and how often the load
// balancer should run.
type Config struct {
	Rank      int    `validate:"gte=0"`
	WorldSize int    `validate:"gt=0"`
	Mode      string `validate:"oneof=ghost hardsync"`
	LBPeriod  int    `validate:"gte=0"`
}

// Validate checks every field's struct tag, returning a wrapped error
// describing the first violation on failure.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errwrap.Wrap(err, "config: validation failed")
	}
	if c.Rank >= c.WorldSize {
		return errwrap.Errorf("config: rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	return nil
}
