package tags

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type failingBackend struct {
	store.Backend
	savesLeft atomic.Int32
}

func (b *failingBackend) Save(ctx context.Context, collection store.Collection, payload []byte) error {
	if b.savesLeft.Add(-1) < 0 {
		return errors.New("medium unwritable")
	}
	return b.Backend.Save(ctx, collection, payload)
}

type fakeSearcher struct {
	candidates []geocode.Candidate
	err        error
	queries    []string
}

func (s *fakeSearcher) Search(_ context.Context, query string, _ int) ([]geocode.Candidate, error) {
	s.queries = append(s.queries, query)
	return s.candidates, s.err
}

func newTestHierarchy(t *testing.T, backend store.Backend, dispatcher *hooks.Dispatcher) (*Hierarchy, *store.Store) {
	t.Helper()
	if backend == nil {
		fileBackend, err := store.NewFileBackend(t.TempDir())
		require.NoError(t, err)
		backend = fileBackend
	}
	s, err := store.New(store.Config{Backend: backend})
	require.NoError(t, err)
	hierarchy, err := NewHierarchy(Config{
		Store:      s,
		Dispatcher: dispatcher,
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return hierarchy, s
}

func fullAddress() geocode.Properties {
	return geocode.Properties{
		Label:       "8 Boulevard du Palais 75001 Paris",
		HouseNumber: "8",
		Street:      "Boulevard du Palais",
		City:        "Paris",
		CityCode:    "75101",
		PostCode:    "75001",
		Context:     "75, Paris, Île-de-France",
	}
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "ile-de-france", Slugify("Île-de-France"))
	require.Equal(t, "rue-de-l-eglise", Slugify("  Rue de l'Église "))
	require.Equal(t, "75-paris", Slugify("75, Paris"))
	require.Equal(t, "", Slugify("!!!"))
}

func TestUniqueSlugScopesChildrenByParent(t *testing.T) {
	require.Equal(t, "pays-france", UniqueSlug("France", TypeCountry, ""))
	inParis := UniqueSlug("Rue de la Paix", TypeStreet, "ville-paris-aaaaa")
	inLyon := UniqueSlug("Rue de la Paix", TypeStreet, "ville-lyon-bbbbb")
	require.NotEqual(t, inParis, inLyon)
	require.Equal(t, inParis, UniqueSlug("Rue de la Paix", TypeStreet, "ville-paris-aaaaa"))
	require.Len(t, inParis, len("rue-rue-de-la-paix-")+parentHashLength)
}

func TestFindOrCreateIsDeterministic(t *testing.T) {
	hierarchy, s := newTestHierarchy(t, nil, nil)
	ctx := context.Background()

	first, err := hierarchy.FindOrCreate(ctx, "France", TypeCountry, "", Extra{})
	require.NoError(t, err)
	second, err := hierarchy.FindOrCreate(ctx, "France", TypeCountry, "", Extra{})
	require.NoError(t, err)
	require.Equal(t, first.Slug, second.Slug)

	document, err := s.Load(ctx, store.Tags)
	require.NoError(t, err)
	require.Len(t, document, 1)
	require.Equal(t, "2024-05-01 10:00:00", first.Created)
}

func TestFindOrCreateConcurrentCallsCreateOneRecord(t *testing.T) {
	hierarchy, s := newTestHierarchy(t, nil, nil)
	ctx := context.Background()

	var group errgroup.Group
	slugs := make([]string, 12)
	for index := range slugs {
		group.Go(func() error {
			tag, err := hierarchy.FindOrCreate(ctx, "France", TypeCountry, "", Extra{})
			slugs[index] = tag.Slug
			return err
		})
	}
	require.NoError(t, group.Wait())
	for _, slug := range slugs {
		require.Equal(t, "pays-france", slug)
	}
	document, err := s.Load(ctx, store.Tags)
	require.NoError(t, err)
	require.Len(t, document, 1)
}

func TestFindOrCreateRaceAcrossStoresReturnsWinner(t *testing.T) {
	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const writers = 8
	// Every writer misses the lookup before any of them inserts.
	var ready sync.WaitGroup
	ready.Add(writers)
	barrier := func(context.Context, hooks.Object) error {
		ready.Done()
		ready.Wait()
		return nil
	}

	hierarchies := make([]*Hierarchy, writers)
	for index := range hierarchies {
		s, err := store.New(store.Config{Backend: backend})
		require.NoError(t, err)
		dispatcher := hooks.NewDispatcher(nil)
		dispatcher.Register(hooks.KindKnowledgeTag, hooks.BeforeSave, "barrier", barrier)
		created := time.Date(2024, 5, 1, 10, 0, index, 0, time.UTC)
		hierarchies[index], err = NewHierarchy(Config{
			Store:      s,
			Dispatcher: dispatcher,
			Clock:      func() time.Time { return created },
		})
		require.NoError(t, err)
	}

	var group errgroup.Group
	results := make([]Tag, writers)
	for index, hierarchy := range hierarchies {
		group.Go(func() error {
			tag, err := hierarchy.FindOrCreate(ctx, "Lyon", TypeCity, "", Extra{})
			results[index] = tag
			return err
		})
	}
	require.NoError(t, group.Wait())

	stored, err := hierarchies[0].Get(ctx, UniqueSlug("Lyon", TypeCity, ""))
	require.NoError(t, err)
	for _, tag := range results {
		require.Equal(t, stored.Slug, tag.Slug)
		require.Equal(t, stored.Created, tag.Created)
	}
	reader, err := store.New(store.Config{Backend: backend})
	require.NoError(t, err)
	tags, err := reader.Load(ctx, store.Tags)
	require.NoError(t, err)
	require.Len(t, tags, 1)
}

func TestFindOrCreateValidatesInputAndParent(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t, nil, nil)
	ctx := context.Background()

	_, err := hierarchy.FindOrCreate(ctx, "  ", TypeCountry, "", Extra{})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = hierarchy.FindOrCreate(ctx, "Atlantis", Type("continent"), "", Extra{})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = hierarchy.FindOrCreate(ctx, "Paris", TypeCity, "region-missing", Extra{})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	city, err := hierarchy.FindOrCreate(ctx, "Paris", TypeCity, "", Extra{})
	require.NoError(t, err)
	_, err = hierarchy.FindOrCreate(ctx, "Île-de-France", TypeRegion, city.Slug, Extra{})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProcessAddressBuildsOrderedHierarchy(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t, nil, nil)
	ctx := context.Background()

	leaf, err := hierarchy.ProcessAddress(ctx, fullAddress(), []float64{2.347, 48.859})
	require.NoError(t, err)

	chain, err := hierarchy.Ancestry(ctx, leaf)
	require.NoError(t, err)
	require.Len(t, chain, 5)
	types := make([]Type, 0, len(chain))
	for _, tag := range chain {
		types = append(types, tag.Type)
	}
	require.Equal(t, []Type{TypeCountry, TypeRegion, TypeCity, TypeStreet, TypeNumber}, types)
	require.Equal(t, "France", chain[0].Name)
	require.Equal(t, "75, Paris, Île-de-France", chain[1].Name)
	require.Equal(t, "75101", chain[2].CityCode)
	require.Equal(t, "75001", chain[2].PostCode)
	require.NotNil(t, chain[4].Longitude)
	require.InDelta(t, 2.347, *chain[4].Longitude, 1e-9)
	require.InDelta(t, 48.859, *chain[4].Latitude, 1e-9)

	again, err := hierarchy.ProcessAddress(ctx, fullAddress(), []float64{2.347, 48.859})
	require.NoError(t, err)
	require.Equal(t, leaf, again)
}

func TestProcessAddressWithoutHouseNumberStopsAtStreet(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t, nil, nil)
	ctx := context.Background()
	props := geocode.Properties{Name: "Place Bellecour", CityCode: "69382"}

	leaf, err := hierarchy.ProcessAddress(ctx, props, nil)
	require.NoError(t, err)
	chain, err := hierarchy.Ancestry(ctx, leaf)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	require.Equal(t, "69", chain[1].Name)
	require.Equal(t, unknownCityName, chain[2].Name)
	require.Equal(t, "Place Bellecour", chain[3].Name)
}

func TestProcessAddressPropagatesMidChainFailure(t *testing.T) {
	fileBackend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	backend := &failingBackend{Backend: fileBackend}
	backend.savesLeft.Store(2)
	hierarchy, _ := newTestHierarchy(t, backend, nil)

	leaf, err := hierarchy.ProcessAddress(context.Background(), fullAddress(), nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindIO))
	require.Empty(t, leaf)
}

func TestAncestryIsBoundedOnCycles(t *testing.T) {
	hierarchy, s := newTestHierarchy(t, nil, nil)
	ctx := context.Background()
	records := store.NewRecords[Tag](s, store.Tags)
	require.NoError(t, records.Update(ctx, func(all map[string]Tag) error {
		all["a"] = Tag{Slug: "a", Name: "A", Type: TypeStreet, Parent: "b"}
		all["b"] = Tag{Slug: "b", Name: "B", Type: TypeCity, Parent: "a"}
		return nil
	}))

	chain, err := hierarchy.Ancestry(ctx, "a")
	require.NoError(t, err)
	require.Len(t, chain, MaxAncestry)

	_, err = hierarchy.Ancestry(ctx, "missing")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestGeocodeHandlerEnrichesAndToleratesFailure(t *testing.T) {
	dispatcher := hooks.NewDispatcher(nil)
	hierarchy, _ := newTestHierarchy(t, nil, dispatcher)
	searcher := &fakeSearcher{candidates: []geocode.Candidate{{
		PostCode: "69002", CityCode: "69382", Longitude: 4.832, Latitude: 45.757, HasPoint: true,
	}}}
	dispatcher.Register(hooks.KindKnowledgeTag, hooks.BeforeSave, "geocode", hierarchy.GeocodeHandler(searcher))
	ctx := context.Background()

	region, err := hierarchy.FindOrCreate(ctx, "Rhône", TypeRegion, "", Extra{})
	require.NoError(t, err)
	require.Nil(t, region.Latitude)

	city, err := hierarchy.FindOrCreate(ctx, "Lyon", TypeCity, region.Slug, Extra{})
	require.NoError(t, err)
	require.True(t, city.HasPoint())
	require.Equal(t, "69002", city.PostCode)
	require.Equal(t, []string{"Lyon Rhône"}, searcher.queries)

	searcher.err = apperr.ExternalService("geocode.search", "transport_failed", "address lookup unavailable", errors.New("timeout"))
	street, err := hierarchy.FindOrCreate(ctx, "Rue Mercière", TypeStreet, city.Slug, Extra{})
	require.NoError(t, err)
	require.False(t, street.HasPoint())

	stored, err := hierarchy.Get(ctx, street.Slug)
	require.NoError(t, err)
	require.Equal(t, "Rue Mercière", stored.Name)
}

func TestGeocodeHandlerIgnoresCodesWithoutPoint(t *testing.T) {
	dispatcher := hooks.NewDispatcher(nil)
	hierarchy, _ := newTestHierarchy(t, nil, dispatcher)
	searcher := &fakeSearcher{candidates: []geocode.Candidate{{PostCode: "13001", CityCode: "13201"}}}
	dispatcher.Register(hooks.KindKnowledgeTag, hooks.BeforeSave, "geocode", hierarchy.GeocodeHandler(searcher))

	city, err := hierarchy.FindOrCreate(context.Background(), "Marseille", TypeCity, "", Extra{})
	require.NoError(t, err)
	require.False(t, city.HasPoint())
	require.Empty(t, city.PostCode)
	require.Empty(t, city.CityCode)
}

func TestOptionsLabelParents(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t, nil, nil)
	ctx := context.Background()
	country, err := hierarchy.FindOrCreate(ctx, "France", TypeCountry, "", Extra{})
	require.NoError(t, err)
	_, err = hierarchy.FindOrCreate(ctx, "Bretagne", TypeRegion, country.Slug, Extra{})
	require.NoError(t, err)

	options, err := hierarchy.Options(ctx)
	require.NoError(t, err)
	labels := map[string]string{}
	for _, option := range options {
		labels[option.Slug] = option.Label
	}
	require.Equal(t, "[pays] France", labels["pays-france"])
	require.Equal(t, "[region] Bretagne ( < France )", labels[UniqueSlug("Bretagne", TypeRegion, "pays-france")])
}
