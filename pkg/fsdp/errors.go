package fsdp

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Errors returned by FullyShard, to be tested with errors.Is. They are always wrapped with more context.
var (
	// ErrConfiguration is returned for invalid options, ignored modules or parameters that could not be
	// materialized.
	ErrConfiguration = errors.New("fsdp configuration error")

	// ErrGroupResolution is returned when the process group can't be used or derived.
	ErrGroupResolution = errors.New("fsdp process group resolution error")

	// ErrPartition is returned when parameters can't be assigned to exactly one sharding unit.
	ErrPartition = errors.New("fsdp partition error")

	// ErrAlreadySharded is returned when a module already carries orchestration state or hooks.
	ErrAlreadySharded = errors.New("module already sharded")
)

func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

func groupErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrGroupResolution, format, args...)
}

func partitionErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrPartition, format, args...)
}

// callUser calls a user provided function, converting a panic into an error.
func callUser(fn func() error) (err error) {
	exception := exceptions.Try(func() { err = fn() })
	if exception == nil {
		return err
	}
	if e, ok := exception.(error); ok {
		return e
	}
	return errors.Errorf("panic: %v", exception)
}
