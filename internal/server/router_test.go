package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/accounts"
	"github.com/MarcoPoloResearchLab/commons/internal/app"
	"github.com/MarcoPoloResearchLab/commons/internal/auth"
	"github.com/MarcoPoloResearchLab/commons/internal/config"
	"github.com/MarcoPoloResearchLab/commons/internal/database"
	"github.com/MarcoPoloResearchLab/commons/internal/social"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testSigningSecret = "router-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
)

type testServer struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	services, err := app.Build(app.Options{
		Config:   config.AppConfig{StoreBackend: config.StoreBackendFile, StoreDataDir: t.TempDir()},
		Database: db,
	})
	if err != nil {
		t.Fatalf("failed to build services: %v", err)
	}
	t.Cleanup(func() { services.Close() })

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   validator,
		Identities: services.Accounts,
		Services:   services,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, issuer: issuer, logs: logs}
}

func (s *testServer) token(t *testing.T, username string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(context.Background(), auth.Identity{UserID: username, Email: username + "@example.com"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, username string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if username != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, username))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestHealthRequiresNoSession(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusOK)
	}
}

func TestAuthorizeRequestLogsMissingTokenAtInfoLevel(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/spaces", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := server.logs.FilterMessage("session validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected one info entry, got %v", entries)
	}
}

func TestAuthorizeRequestLogsForgedTokenAtWarnLevel(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodGet, "/spaces", http.NoBody)
	request.Header.Set("Authorization", "Bearer not-a-jwt")
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := server.logs.FilterMessage("session validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestSessionCookieIsAccepted(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: server.token(t, "carol")})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d, body %s", recorder.Code, recorder.Body.String())
	}
	account := decode[accountPayload](t, recorder)
	if account.Username != "carol" {
		t.Fatalf("unexpected username %q", account.Username)
	}
}

func TestRestrictedSpaceMembershipOverHTTP(t *testing.T) {
	server := newTestServer(t)

	// Touch bob first so his account exists before the vote syncs members.
	if recorder := server.do(t, http.MethodGet, "/me", "bob", nil); recorder.Code != http.StatusOK {
		t.Fatalf("bob /me failed: %d", recorder.Code)
	}

	created := server.do(t, http.MethodPost, "/spaces", "alice", createSpaceRequestPayload{
		Name:        "Club Lecture",
		AccessLevel: spaces.AccessRestricted,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}
	slug := decode[map[string]string](t, created)["slug"]
	if slug != "club-lecture" {
		t.Fatalf("unexpected slug %q", slug)
	}

	joined := decode[social.Outcome](t, server.do(t, http.MethodPost, "/actions", "bob", actionRequestPayload{Action: social.ActionJoinSpace, Target: slug}))
	if joined.Severity != social.SeverityError {
		t.Fatalf("expected direct join to be refused, got %+v", joined)
	}

	requested := decode[social.Outcome](t, server.do(t, http.MethodPost, "/actions", "bob", actionRequestPayload{Action: social.ActionRequestJoin, Target: slug}))
	if requested.Severity != social.SeveritySuccess {
		t.Fatalf("request failed: %+v", requested)
	}

	pending := server.do(t, http.MethodGet, "/spaces/"+slug+"/requests", "alice", nil)
	if pending.Code != http.StatusOK || !strings.Contains(pending.Body.String(), slug+"_bob") {
		t.Fatalf("expected pending request, got %d %s", pending.Code, pending.Body.String())
	}

	voted := decode[social.Outcome](t, server.do(t, http.MethodPost, "/actions", "alice", actionRequestPayload{Action: social.ActionVoteAccept, Target: slug + "_bob"}))
	if voted.Severity != social.SeveritySuccess {
		t.Fatalf("vote failed: %+v", voted)
	}

	space := decode[spaces.Space](t, server.do(t, http.MethodGet, "/spaces/"+slug, "alice", nil))
	if !space.IsMember("bob") {
		t.Fatalf("expected bob to be a member, got %v", space.Members)
	}

	bob := decode[accountPayload](t, server.do(t, http.MethodGet, "/me", "bob", nil))
	if len(bob.Spaces) != 1 || bob.Spaces[0] != slug {
		t.Fatalf("expected bob's spaces to list %s, got %v", slug, bob.Spaces)
	}

	activity := server.do(t, http.MethodGet, "/activity?limit=10", "alice", nil)
	if activity.Code != http.StatusOK || !strings.Contains(activity.Body.String(), "accepted_join") {
		t.Fatalf("expected accepted_join in activity, got %s", activity.Body.String())
	}
}

func TestInternalChannelAndRequestsHiddenFromOutsiders(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/spaces", "alice", createSpaceRequestPayload{
		Name:        "Cercle Prive",
		AccessLevel: spaces.AccessRestricted,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}
	slug := decode[map[string]string](t, created)["slug"]

	posted := server.do(t, http.MethodPost, "/messages", "alice", sendMessageRequestPayload{
		ChannelType: "space_internal",
		ChannelID:   slug,
		Content:     "members only secret",
	})
	if posted.Code != http.StatusCreated {
		t.Fatalf("post failed: %d %s", posted.Code, posted.Body.String())
	}

	channelPath := "/messages?channel_type=space_internal&channel_id=" + slug
	outsider := server.do(t, http.MethodGet, channelPath, "mallory", nil)
	if outsider.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider read, got %d %s", outsider.Code, outsider.Body.String())
	}
	if strings.Contains(outsider.Body.String(), "members only secret") {
		t.Fatalf("internal message leaked to outsider: %s", outsider.Body.String())
	}
	member := server.do(t, http.MethodGet, channelPath, "alice", nil)
	if member.Code != http.StatusOK || !strings.Contains(member.Body.String(), "members only secret") {
		t.Fatalf("expected member read to succeed, got %d %s", member.Code, member.Body.String())
	}

	requests := server.do(t, http.MethodGet, "/spaces/"+slug+"/requests", "mallory", nil)
	if requests.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider request list, got %d %s", requests.Code, requests.Body.String())
	}
	if own := server.do(t, http.MethodGet, "/spaces/"+slug+"/requests", "alice", nil); own.Code != http.StatusOK {
		t.Fatalf("expected admin request list, got %d %s", own.Code, own.Body.String())
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	server := newTestServer(t)

	missing := server.do(t, http.MethodGet, "/spaces/nowhere", "alice", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
	if body := decode[map[string]string](t, missing); !strings.HasPrefix(body["error"], "spaces.get.") {
		t.Fatalf("expected operation code, got %v", body)
	}

	invalid := server.do(t, http.MethodPost, "/spaces", "alice", createSpaceRequestPayload{Name: "ab"})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short name, got %d", invalid.Code)
	}

	internal := server.do(t, http.MethodPost, "/messages", "alice", sendMessageRequestPayload{
		ChannelType: "space_internal",
		ChannelID:   "nowhere",
		Content:     "hello",
	})
	if internal.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing space channel, got %d %s", internal.Code, internal.Body.String())
	}

	badLimit := server.do(t, http.MethodGet, "/activity?limit=zero", "alice", nil)
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", badLimit.Code)
	}
}

func TestGlobalMessagesAreEscaped(t *testing.T) {
	server := newTestServer(t)

	sent := server.do(t, http.MethodPost, "/messages", "alice", sendMessageRequestPayload{Content: "<b>hi</b>"})
	if sent.Code != http.StatusCreated {
		t.Fatalf("send failed: %d %s", sent.Code, sent.Body.String())
	}
	listed := server.do(t, http.MethodGet, "/messages?channel_type=global", "bob", nil)
	if !strings.Contains(listed.Body.String(), "\\u0026lt;b\\u0026gt;hi") {
		t.Fatalf("expected escaped content, got %s", listed.Body.String())
	}
}

func TestTagEndpoints(t *testing.T) {
	server := newTestServer(t)

	country := server.do(t, http.MethodPost, "/tags", "alice", createTagRequestPayload{Name: "France", Type: "pays"})
	if country.Code != http.StatusCreated {
		t.Fatalf("create country failed: %d %s", country.Code, country.Body.String())
	}
	region := server.do(t, http.MethodPost, "/tags", "alice", createTagRequestPayload{Name: "Bretagne", Type: "region", Parent: "pays-france"})
	if region.Code != http.StatusCreated {
		t.Fatalf("create region failed: %d %s", region.Code, region.Body.String())
	}
	slug := decode[map[string]interface{}](t, region)["slug"].(string)

	ancestry := server.do(t, http.MethodGet, "/tags/"+slug+"/ancestry", "alice", nil)
	if ancestry.Code != http.StatusOK || !strings.Contains(ancestry.Body.String(), "pays-france") {
		t.Fatalf("unexpected ancestry %d %s", ancestry.Code, ancestry.Body.String())
	}

	options := server.do(t, http.MethodGet, "/tags", "alice", nil)
	if !strings.Contains(options.Body.String(), "Bretagne") {
		t.Fatalf("expected region in options, got %s", options.Body.String())
	}

	inverted := server.do(t, http.MethodPost, "/tags", "alice", createTagRequestPayload{Name: "Europe", Type: "pays", Parent: slug})
	if inverted.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted hierarchy, got %d", inverted.Code)
	}
}

func TestCORSMiddlewareAllowsTenantHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/actions", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/actions", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "X-TAuth-Tenant")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), strings.ToLower("X-TAuth-Tenant")) {
		t.Fatalf("expected Access-Control-Allow-Headers to include X-TAuth-Tenant, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestMetricsEndpointExposesActionCounters(t *testing.T) {
	server := newTestServer(t)
	server.do(t, http.MethodPost, "/actions", "alice", actionRequestPayload{Action: social.ActionFollow, Target: "nobody"})

	recorder := server.do(t, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "commons_actions_total") {
		t.Fatalf("expected action counter in metrics output")
	}
}

var _ IdentityResolver = (*accounts.Service)(nil)
