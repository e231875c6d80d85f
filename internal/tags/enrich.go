package tags

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"go.uber.org/zap"
)

// Searcher resolves free-text addresses.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]geocode.Candidate, error)
}

// GeocodeHandler returns a before-save handler that fills coordinates and
// missing codes on city, street and number tags. Lookup failures are logged
// and never block the save.
func (h *Hierarchy) GeocodeHandler(searcher Searcher) hooks.Handler {
	return func(ctx context.Context, object hooks.Object) error {
		tag, ok := object.(*Tag)
		if !ok || !tag.Type.Geocodable() || tag.HasPoint() {
			return nil
		}
		query := tag.Name
		if tag.Parent != "" {
			if parent, found, err := h.records.Get(ctx, tag.Parent); err == nil && found {
				query = strings.TrimSpace(tag.Name + " " + parent.Name)
			}
		}
		candidates, err := searcher.Search(ctx, query, 1)
		if err != nil {
			h.logger.Warn("tag geocoding failed", zap.String("slug", tag.Slug), zap.String("query", query), zap.Error(err))
			return nil
		}
		if len(candidates) == 0 {
			return nil
		}
		candidate := candidates[0]
		if !candidate.HasPoint {
			return nil
		}
		lon, lat := candidate.Longitude, candidate.Latitude
		tag.Longitude = &lon
		tag.Latitude = &lat
		if tag.PostCode == "" {
			tag.PostCode = candidate.PostCode
		}
		if tag.CityCode == "" {
			tag.CityCode = candidate.CityCode
		}
		return nil
	}
}
