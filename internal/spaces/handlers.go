package spaces

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"go.uber.org/zap"
)

// AddressIndexer turns an address into a tag hierarchy leaf.
type AddressIndexer interface {
	ProcessAddress(ctx context.Context, props geocode.Properties, coordinates []float64) (string, error)
}

// MemberSyncer mirrors member lists onto accounts.
type MemberSyncer interface {
	SyncSpaceMembers(ctx context.Context, slug string, members []string) error
	RemoveSpace(ctx context.Context, username, slug string) error
}

// AddressHandler indexes a submitted address before the space is stored and
// copies the label and point onto the space.
func AddressHandler(indexer AddressIndexer) hooks.Handler {
	return func(ctx context.Context, object hooks.Object) error {
		space, ok := object.(*Space)
		if !ok || space.Address == nil {
			return nil
		}
		leaf, err := indexer.ProcessAddress(ctx, space.Address.Properties, space.Address.Geometry.Coordinates)
		if err != nil {
			return err
		}
		space.AddressTag = leaf
		space.Location = space.Address.Properties.Label
		if lon, lat, ok := space.Address.Point(); ok {
			space.Longitude = &lon
			space.Latitude = &lat
		}
		return nil
	}
}

// MemberSyncHandler adds the space to every member's account after a save.
// With symmetricLeave, people who just left also lose the space.
func MemberSyncHandler(syncer MemberSyncer, symmetricLeave bool, logger *zap.Logger) hooks.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, object hooks.Object) error {
		space, ok := object.(*Space)
		if !ok {
			return nil
		}
		var errs []error
		if err := syncer.SyncSpaceMembers(ctx, space.Slug, space.Members); err != nil {
			errs = append(errs, err)
		}
		if symmetricLeave {
			for _, username := range space.Departed {
				if err := syncer.RemoveSpace(hooks.WithoutCascade(ctx), username, space.Slug); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if err := errors.Join(errs...); err != nil {
			logger.Warn("space member sync incomplete", zap.String("space", space.Slug), zap.Error(err))
			return err
		}
		return nil
	}
}
