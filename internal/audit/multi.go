package audit

import (
	"context"
	"errors"
)

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Insert(ctx context.Context, slot, key string, value []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Insert(ctx, slot, key, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
