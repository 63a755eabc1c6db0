package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/covecare/callops/internal/phone"
	"github.com/covecare/callops/pkg/logging"
)

// Resolver maps a raw caller number to a registered patient. Matching is
// attempted display form first, then canonical digits, then last-8-digit
// suffix; the first hit wins. A miss is a normal outcome, since first-time callers
// resolve to nil without error, and the resolver never creates patients.
type Resolver struct {
	repo   Repository
	logger *logging.Logger
}

// NewResolver builds a resolver over the given repository.
func NewResolver(repo Repository, logger *logging.Logger) *Resolver {
	if repo == nil {
		panic("patients: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{repo: repo, logger: logger}
}

// Resolve looks up the patient for a raw phone string. Returns (nil, nil)
// when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, rawPhone string) (*Patient, error) {
	digits := phone.Normalize(rawPhone)
	if digits == "" {
		return nil, nil
	}

	lookups := []struct {
		name string
		find func(context.Context) (*Patient, error)
	}{
		{"display", func(ctx context.Context) (*Patient, error) {
			return r.repo.FindByPhoneDisplay(ctx, phone.Format(rawPhone))
		}},
		{"digits", func(ctx context.Context) (*Patient, error) {
			return r.repo.FindByPhoneDigits(ctx, digits)
		}},
		{"suffix", func(ctx context.Context) (*Patient, error) {
			return r.repo.FindByPhoneSuffix(ctx, phone.Suffix(rawPhone))
		}},
	}

	for _, lookup := range lookups {
		p, err := lookup.find(ctx)
		if err != nil {
			if errors.Is(err, ErrPatientNotFound) {
				continue
			}
			return nil, fmt.Errorf("patients: resolve via %s: %w", lookup.name, err)
		}
		if p != nil {
			r.logger.Debug("caller resolved", "strategy", lookup.name, "patient_id", p.ID)
			return p, nil
		}
	}
	return nil, nil
}
