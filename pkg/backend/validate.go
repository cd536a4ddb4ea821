package backend

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks field constraints and platform rules for one endpoint.
func (e *Endpoint) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("endpoint %s: %w", Label(e), err)
	}
	if e.Trigger == nil {
		return fmt.Errorf("endpoint %s: trigger is required", Label(e))
	}
	if err := validate.Struct(e.Trigger); err != nil {
		return fmt.Errorf("endpoint %s: %w", Label(e), err)
	}

	if e.Platform == PlatformV1 {
		if e.Concurrency != nil && *e.Concurrency > 1 {
			return fmt.Errorf("endpoint %s: concurrency is only supported on %s", Label(e), PlatformV2)
		}
		if e.CPU != nil {
			return fmt.Errorf("endpoint %s: cpu is only supported on %s", Label(e), PlatformV2)
		}
	}

	if e.MinInstances != nil && e.MaxInstances != nil && *e.MaxInstances > 0 &&
		*e.MinInstances > *e.MaxInstances {
		return fmt.Errorf("endpoint %s: minInstances (%d) exceeds maxInstances (%d)",
			Label(e), *e.MinInstances, *e.MaxInstances)
	}
	return nil
}

// Validate checks every endpoint, reporting all failures.
func Validate(b *Backend) error {
	var errs []error
	for _, ep := range b.AllEndpoints() {
		if err := ep.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
