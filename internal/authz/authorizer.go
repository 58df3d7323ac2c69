// Package authz decides whether an authenticated principal may act on an owned resource.
package authz

import (
	"context"
	"fmt"

	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// OwnerLookup resolves the owning username of a resource. It returns
// errs.ErrNotFound when the resource does not exist.
type OwnerLookup interface {
	ResourceOwner(ctx context.Context, r model.Resource) (string, error)
}

// Authorizer gates every disclosing or mutating operation on a non-public
// resource. Reads and writes are treated alike.
type Authorizer struct {
	owners OwnerLookup
}

// New constructs an Authorizer backed by the data layer.
func New(owners OwnerLookup) *Authorizer { return &Authorizer{owners: owners} }

// Authorize returns nil when p may act on r, errs.ErrUnauthorized when the
// resource belongs to someone else, and the lookup error (errs.ErrNotFound
// included) unchanged otherwise.
func (a *Authorizer) Authorize(ctx context.Context, p model.Principal, r model.Resource) error {
	if !p.Valid() {
		return fmt.Errorf("%w: invalid principal", errs.ErrUnauthorized)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty resource id", errs.ErrMalformedInput)
	}

	switch p.Kind {
	case model.PrincipalDevice:
		// A device may only act on its own sensor record.
		if r.Kind != model.ResourceSensor || r.ID != p.ID {
			return fmt.Errorf("%w: device %s on %s %s", errs.ErrUnauthorized, p.ID, r.Kind, r.ID)
		}
		if _, err := a.owners.ResourceOwner(ctx, r); err != nil {
			return err
		}
		return nil

	case model.PrincipalHuman:
		owner, err := a.owners.ResourceOwner(ctx, r)
		if err != nil {
			return err
		}
		if owner != p.ID {
			return fmt.Errorf("%w: %s %s", errs.ErrUnauthorized, r.Kind, r.ID)
		}
		return nil

	default:
		return fmt.Errorf("%w: principal kind %q", errs.ErrUnauthorized, p.Kind)
	}
}
