package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

type multi []Source

// Multi concatenates sources and dedupes the result. It only fails when
// every source fails.
func Multi(sources ...Source) Source {
	return multi(sources)
}

func (m multi) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (m multi) ListInstalled(ctx context.Context) ([]Item, error) {
	var items []Item
	var errs []error

	for _, s := range m {
		got, err := s.ListInstalled(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithField("source", s.Name()).Debugf("failed to list installed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		items = append(items, got...)
	}

	if len(m) > 0 && len(errs) == len(m) {
		return nil, errors.Join(errs...)
	}
	return Dedupe(items), nil
}
