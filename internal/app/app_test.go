package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/config"
	"github.com/MarcoPoloResearchLab/commons/internal/database"
	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/social"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"github.com/MarcoPoloResearchLab/commons/internal/tags"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSearcher struct {
	mu      sync.Mutex
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, query string, _ int) ([]geocode.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return []geocode.Candidate{{Label: query, Longitude: 2.35, Latitude: 48.85, HasPoint: true}}, nil
}

type capturePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *capturePublisher) Publish(_ context.Context, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func buildServices(t *testing.T, backend string) (*Services, *stubSearcher, *capturePublisher) {
	t.Helper()
	dsn := fmt.Sprintf("file:app_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)

	searcher := &stubSearcher{}
	publisher := &capturePublisher{}
	services, err := Build(Options{
		Config: config.AppConfig{
			StoreBackend: backend,
			StoreDataDir: t.TempDir(),
		},
		Database:  db,
		Searcher:  searcher,
		Publisher: publisher,
		Clock:     func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { services.Close() })
	return services, searcher, publisher
}

func parisAddress() *geocode.Feature {
	return &geocode.Feature{
		Properties: geocode.Properties{
			Label:       "10 Rue de Rivoli 75004 Paris",
			HouseNumber: "10",
			Street:      "Rue de Rivoli",
			City:        "Paris",
			CityCode:    "75104",
			PostCode:    "75004",
			Context:     "75, Paris, Île-de-France",
		},
		Geometry: geocode.Geometry{Type: "Point", Coordinates: []float64{2.3561, 48.8553}},
	}
}

func TestBuildWiresAddressIndexingAndMemberSync(t *testing.T) {
	ctx := context.Background()
	services, searcher, publisher := buildServices(t, config.StoreBackendFile)

	_, err := services.Accounts.Ensure(ctx, "alice", "Alice", "alice@example.com")
	require.NoError(t, err)

	slug, err := services.Engine.CreateSpace(ctx, "alice", "Jardin Partagé", "", spaces.AccessPublic, parisAddress())
	require.NoError(t, err)
	require.Equal(t, "jardin-partage", slug)

	space, err := services.Spaces.Get(ctx, slug)
	require.NoError(t, err)
	require.NotEmpty(t, space.AddressTag)
	require.Equal(t, "10 Rue de Rivoli 75004 Paris", space.Location)
	require.NotNil(t, space.Latitude)

	chain, err := services.Tags.Ancestry(ctx, space.AddressTag)
	require.NoError(t, err)
	require.Len(t, chain, 5)
	require.Equal(t, tags.TypeCountry, chain[0].Type)
	require.Equal(t, tags.TypeNumber, chain[4].Type)

	// City and street carry no point from the address, so both are geocoded.
	require.Len(t, searcher.queries, 2)

	alice, err := services.Accounts.Load(ctx, "alice")
	require.NoError(t, err)
	require.Contains(t, alice.Relations.Spaces, slug)

	require.Contains(t, publisher.keys, slug)
}

func TestBuildRunsMembershipOverSQLiteDocuments(t *testing.T) {
	ctx := context.Background()
	services, _, _ := buildServices(t, config.StoreBackendSQLite)

	for _, username := range []string{"alice", "bob"} {
		_, err := services.Accounts.Ensure(ctx, username, "", "")
		require.NoError(t, err)
	}
	slug, err := services.Engine.CreateSpace(ctx, "alice", "Atelier Vélo", "", spaces.AccessRestricted, nil)
	require.NoError(t, err)

	outcome := services.Engine.Perform(ctx, "bob", social.ActionRequestJoin, slug)
	require.Equal(t, social.SeveritySuccess, outcome.Severity, outcome.Message)

	outcome = services.Engine.Perform(ctx, "alice", social.ActionVoteAccept, slug+"_bob")
	require.Equal(t, social.SeveritySuccess, outcome.Severity, outcome.Message)

	space, err := services.Spaces.Get(ctx, slug)
	require.NoError(t, err)
	require.True(t, space.IsMember("bob"))

	bob, err := services.Accounts.Load(ctx, "bob")
	require.NoError(t, err)
	require.Contains(t, bob.Relations.Spaces, slug)
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	dsn := fmt.Sprintf("file:app_bad_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)

	_, err = Build(Options{Config: config.AppConfig{StoreBackend: "floppy"}, Database: db})
	require.Error(t, err)
}
