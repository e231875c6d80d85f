// Package relations maintains follow links and space lists on accounts.
package relations

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/commons/internal/accounts"
	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"go.uber.org/zap"
)

// Config wires a Graph.
type Config struct {
	Directory accounts.Directory
	Logger    *zap.Logger
}

// Graph keeps following/followers symmetric and records space participation.
type Graph struct {
	directory accounts.Directory
	logger    *zap.Logger
	locks     *keyedLock
}

// NewGraph constructs a Graph.
func NewGraph(cfg Config) (*Graph, error) {
	if cfg.Directory == nil {
		return nil, errors.New("relations: account directory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{directory: cfg.Directory, logger: logger, locks: newKeyedLock()}, nil
}

// Follow links follower to target. It reports whether anything changed.
// The follower record is written before the target record.
func (g *Graph) Follow(ctx context.Context, follower, target string) (bool, error) {
	followerAccount, targetAccount, release, err := g.loadPair(ctx, "relations.follow", follower, target)
	if err != nil {
		return false, err
	}
	defer release()

	if contains(followerAccount.Relations.Following, targetAccount.Username) {
		return false, nil
	}
	followerAccount.Relations.Following = append(followerAccount.Relations.Following, targetAccount.Username)
	if err := g.directory.Save(ctx, &followerAccount); err != nil {
		return false, err
	}
	if !contains(targetAccount.Relations.Followers, followerAccount.Username) {
		targetAccount.Relations.Followers = append(targetAccount.Relations.Followers, followerAccount.Username)
		if err := g.directory.Save(ctx, &targetAccount); err != nil {
			g.logger.Error("follow left asymmetric relation",
				zap.String("follower", followerAccount.Username),
				zap.String("target", targetAccount.Username),
				zap.Error(err),
			)
			return true, err
		}
	}
	return true, nil
}

// Unfollow removes the link in both directions. It reports whether anything changed.
func (g *Graph) Unfollow(ctx context.Context, follower, target string) (bool, error) {
	followerAccount, targetAccount, release, err := g.loadPair(ctx, "relations.unfollow", follower, target)
	if err != nil {
		return false, err
	}
	defer release()

	changed := false
	if following, removed := without(followerAccount.Relations.Following, targetAccount.Username); removed {
		followerAccount.Relations.Following = following
		if err := g.directory.Save(ctx, &followerAccount); err != nil {
			return false, err
		}
		changed = true
	}
	if followers, removed := without(targetAccount.Relations.Followers, followerAccount.Username); removed {
		targetAccount.Relations.Followers = followers
		if err := g.directory.Save(ctx, &targetAccount); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// SyncSpaceMembers adds slug to the space list of every member. It never
// removes a space. Saves run with cascades suppressed. Unknown members are
// skipped.
func (g *Graph) SyncSpaceMembers(ctx context.Context, slug string, members []string) error {
	ctx = hooks.WithoutCascade(ctx)
	var errs []error
	for _, username := range members {
		if err := g.addSpace(ctx, strings.TrimSpace(username), slug); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveSpace drops slug from username's space list.
func (g *Graph) RemoveSpace(ctx context.Context, username, slug string) error {
	ctx = hooks.WithoutCascade(ctx)
	release := g.locks.lock(username)
	defer release()

	account, err := g.directory.Load(ctx, username)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	spaces, removed := without(account.Relations.Spaces, slug)
	if !removed {
		return nil
	}
	account.Relations.Spaces = spaces
	return g.directory.Save(ctx, &account)
}

func (g *Graph) addSpace(ctx context.Context, username, slug string) error {
	if username == "" {
		return nil
	}
	release := g.locks.lock(username)
	defer release()

	account, err := g.directory.Load(ctx, username)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		g.logger.Warn("space member has no account", zap.String("username", username), zap.String("space", slug))
		return nil
	}
	if err != nil {
		return err
	}
	if contains(account.Relations.Spaces, slug) {
		return nil
	}
	account.Relations.Spaces = append(account.Relations.Spaces, slug)
	return g.directory.Save(ctx, &account)
}

func (g *Graph) loadPair(ctx context.Context, operation, follower, target string) (accounts.Account, accounts.Account, func(), error) {
	follower = strings.TrimSpace(follower)
	target = strings.TrimSpace(target)
	if follower == "" || target == "" {
		return accounts.Account{}, accounts.Account{}, nil, apperr.Validation(operation, "missing_username", "both users are required")
	}
	if follower == target {
		return accounts.Account{}, accounts.Account{}, nil, apperr.Validation(operation, "self", "you cannot follow yourself")
	}
	release := g.locks.lock(follower, target)
	followerAccount, err := g.directory.Load(ctx, follower)
	if err != nil {
		release()
		return accounts.Account{}, accounts.Account{}, nil, err
	}
	targetAccount, err := g.directory.Load(ctx, target)
	if err != nil {
		release()
		return accounts.Account{}, accounts.Account{}, nil, err
	}
	return followerAccount, targetAccount, release, nil
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}

func without(values []string, value string) ([]string, bool) {
	out := make([]string, 0, len(values))
	removed := false
	for _, candidate := range values {
		if candidate == value {
			removed = true
			continue
		}
		out = append(out, candidate)
	}
	return out, removed
}
