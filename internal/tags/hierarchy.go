// Package tags maintains the deduplicated geographic knowledge-tag tree.
package tags

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/clock"
	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxAncestry bounds parent walks so a corrupted chain still terminates.
	MaxAncestry = 10

	countryName       = "France"
	unknownCityName   = "Ville Inconnue"
	unknownStreetName = "Rue Inconnue"
	unknownCityCode   = "00000"
)

var validate = validator.New()

type tagInput struct {
	Name string `validate:"required,max=200"`
	Type string `validate:"required,oneof=pays region ville rue numero"`
}

// Config wires a Hierarchy.
type Config struct {
	Store      *store.Store
	Dispatcher *hooks.Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hierarchy finds, creates and walks tags.
type Hierarchy struct {
	records    *store.Records[Tag]
	dispatcher *hooks.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	inflight   singleflight.Group
}

// NewHierarchy constructs a Hierarchy over the tags collection.
func NewHierarchy(cfg Config) (*Hierarchy, error) {
	if cfg.Store == nil {
		return nil, errors.New("tags: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hierarchy{
		records:    store.NewRecords[Tag](cfg.Store, store.Tags),
		dispatcher: cfg.Dispatcher,
		clock:      clock.OrSystem(cfg.Clock),
		logger:     logger,
	}, nil
}

// Get returns the tag stored under slug.
func (h *Hierarchy) Get(ctx context.Context, slug string) (Tag, error) {
	tag, ok, err := h.records.Get(ctx, slug)
	if err != nil {
		return Tag{}, err
	}
	if !ok {
		return Tag{}, apperr.NotFound("tags.get", "tag_missing", fmt.Sprintf("tag %s does not exist", slug))
	}
	return tag, nil
}

// FindOrCreate returns the tag identified by (name, type, parent), creating
// it when absent. Concurrent calls for the same identity resolve to one record.
func (h *Hierarchy) FindOrCreate(ctx context.Context, name string, tagType Type, parent string, extra Extra) (Tag, error) {
	name = strings.TrimSpace(name)
	parent = strings.TrimSpace(parent)
	if err := validate.Struct(tagInput{Name: name, Type: string(tagType)}); err != nil {
		return Tag{}, apperr.New(apperr.KindValidation, "tags.find_or_create", "invalid_input", "a tag needs a name and a known type", err)
	}
	if parent != "" {
		parentTag, err := h.Get(ctx, parent)
		if err != nil {
			return Tag{}, err
		}
		if parentTag.Type.Rank() >= tagType.Rank() {
			return Tag{}, apperr.Validation("tags.find_or_create", "parent_rank",
				fmt.Sprintf("a %s tag cannot sit under a %s tag", tagType, parentTag.Type))
		}
	}

	key := UniqueSlug(name, tagType, parent)
	result, err, _ := h.inflight.Do(key, func() (interface{}, error) {
		return h.findOrCreate(ctx, key, name, tagType, parent, extra)
	})
	if err != nil {
		return Tag{}, err
	}
	return result.(Tag), nil
}

func (h *Hierarchy) findOrCreate(ctx context.Context, key, name string, tagType Type, parent string, extra Extra) (Tag, error) {
	existing, ok, err := h.records.Get(ctx, key)
	if err != nil {
		return Tag{}, err
	}
	if ok {
		return existing, nil
	}

	tag := Tag{
		Slug:        key,
		Name:        name,
		Type:        tagType,
		Parent:      parent,
		Description: extra.Description,
		CityCode:    extra.CityCode,
		PostCode:    extra.PostCode,
		Latitude:    extra.Latitude,
		Longitude:   extra.Longitude,
		Published:   true,
		Created:     h.clock.Stamp(),
	}
	if err := h.dispatcher.BeforeSave(ctx, &tag); err != nil {
		return Tag{}, err
	}
	err = h.records.Insert(ctx, key, tag)
	if errors.Is(err, store.ErrAlreadyExists) {
		winner, ok, readErr := h.records.Get(ctx, key)
		if readErr != nil {
			return Tag{}, readErr
		}
		if !ok {
			return Tag{}, apperr.Conflict("tags.find_or_create", "vanished", fmt.Sprintf("tag %s could not be resolved", key))
		}
		h.logger.Debug("tag creation collided, using existing record", zap.String("slug", key))
		return winner, nil
	}
	if err != nil {
		return Tag{}, err
	}
	h.logger.Info("tag created", zap.String("slug", key), zap.String("type", string(tagType)))
	if err := h.dispatcher.AfterSave(ctx, &tag); err != nil {
		h.logger.Warn("tag after-save failed", zap.String("slug", key), zap.Error(err))
	}
	return tag, nil
}

// ProcessAddress builds the country, region, city, street and optional house
// number chain for an address and returns the deepest key. Any failing level
// fails the whole call.
func (h *Hierarchy) ProcessAddress(ctx context.Context, props geocode.Properties, coordinates []float64) (string, error) {
	country, err := h.FindOrCreate(ctx, countryName, TypeCountry, "", Extra{})
	if err != nil {
		return "", err
	}

	cityCode := strings.TrimSpace(props.CityCode)
	regionName := strings.TrimSpace(props.Context)
	if regionName == "" {
		code := cityCode
		if len(code) < 2 {
			code = unknownCityCode
		}
		regionName = code[:2]
	}
	region, err := h.FindOrCreate(ctx, regionName, TypeRegion, country.Slug, Extra{})
	if err != nil {
		return "", err
	}

	cityName := firstNonEmpty(props.City, unknownCityName)
	city, err := h.FindOrCreate(ctx, cityName, TypeCity, region.Slug, Extra{
		CityCode: cityCode,
		PostCode: strings.TrimSpace(props.PostCode),
	})
	if err != nil {
		return "", err
	}

	streetName := firstNonEmpty(props.Street, props.Name, unknownStreetName)
	street, err := h.FindOrCreate(ctx, streetName, TypeStreet, city.Slug, Extra{})
	if err != nil {
		return "", err
	}

	houseNumber := strings.TrimSpace(props.HouseNumber)
	if houseNumber == "" {
		return street.Slug, nil
	}
	extra := Extra{}
	if lon, lat, ok := (geocode.Feature{Properties: props, Geometry: geocode.Geometry{Coordinates: coordinates}}).Point(); ok {
		extra.Longitude = &lon
		extra.Latitude = &lat
	}
	number, err := h.FindOrCreate(ctx, houseNumber, TypeNumber, street.Slug, extra)
	if err != nil {
		return "", err
	}
	return number.Slug, nil
}

// Ancestry returns the chain ending at leaf, root first. The walk stops after
// MaxAncestry hops or at the first missing parent.
func (h *Hierarchy) Ancestry(ctx context.Context, leaf string) ([]Tag, error) {
	all, err := h.records.Load(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := all[leaf]; !ok {
		return nil, apperr.NotFound("tags.ancestry", "tag_missing", fmt.Sprintf("tag %s does not exist", leaf))
	}
	chain := make([]Tag, 0, 5)
	current := leaf
	for hop := 0; hop < MaxAncestry && current != ""; hop++ {
		tag, ok := all[current]
		if !ok {
			break
		}
		chain = append(chain, tag)
		current = tag.Parent
	}
	for left, right := 0, len(chain)-1; left < right; left, right = left+1, right-1 {
		chain[left], chain[right] = chain[right], chain[left]
	}
	return chain, nil
}

// Options lists every tag with a display label, ordered by label.
func (h *Hierarchy) Options(ctx context.Context) ([]Option, error) {
	all, err := h.records.Load(ctx)
	if err != nil {
		return nil, err
	}
	options := make([]Option, 0, len(all))
	for slug, tag := range all {
		parentName := ""
		if parent, ok := all[tag.Parent]; ok && tag.Parent != "" {
			parentName = parent.Name
		}
		options = append(options, Option{Slug: slug, Label: label(tag, parentName)})
	}
	sort.Slice(options, func(i, j int) bool {
		if options[i].Label == options[j].Label {
			return options[i].Slug < options[j].Slug
		}
		return options[i].Label < options[j].Label
	})
	return options, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
