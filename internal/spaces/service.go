// Package spaces manages community rooms and their member lists.
package spaces

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
	"github.com/MarcoPoloResearchLab/commons/internal/ids"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"github.com/MarcoPoloResearchLab/commons/internal/tags"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	// ErrAdminCannotLeave is returned when an admin tries to leave their space.
	ErrAdminCannotLeave = errors.New("spaces: admins cannot leave their space")
	// ErrNotMember is returned when leaving a space one does not belong to.
	ErrNotMember = errors.New("spaces: not a member")
)

var validate = validator.New()

// CreateInput describes a new space.
type CreateInput struct {
	Actor       string           `validate:"required"`
	Name        string           `validate:"min=3,max=120"`
	Description string           `validate:"max=2000"`
	AccessLevel AccessLevel      `validate:"omitempty,oneof=public restricted"`
	Address     *geocode.Feature `validate:"-"`
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store      *store.Store
	Dispatcher *hooks.Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service creates, joins, leaves and lists spaces.
type Service struct {
	rooms      *store.Records[Space]
	dispatcher *hooks.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
}

// NewService constructs a Service over the rooms collection.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("spaces: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rooms:      store.NewRecords[Space](cfg.Store, store.Rooms),
		dispatcher: cfg.Dispatcher,
		clock:      clock.OrSystem(cfg.Clock),
		logger:     logger,
	}, nil
}

// Create stores a new space with the actor as sole admin and member.
func (s *Service) Create(ctx context.Context, input CreateInput) (Space, error) {
	input.Actor = strings.TrimSpace(input.Actor)
	input.Name = strings.TrimSpace(input.Name)
	input.Description = strings.TrimSpace(input.Description)
	if err := validate.Struct(input); err != nil {
		return Space{}, s.validationError(err)
	}
	accessLevel := input.AccessLevel
	if accessLevel == "" {
		accessLevel = AccessPublic
	}

	slug := tags.Slugify(input.Name)
	if slug == "" {
		slug = "room-" + ids.Suffix(8)
	}
	space := Space{
		Slug:        slug,
		Name:        input.Name,
		Description: input.Description,
		Admins:      []string{input.Actor},
		Members:     []string{input.Actor},
		AccessLevel: accessLevel,
		Created:     s.clock.Stamp(),
		Address:     input.Address,
	}
	if err := s.dispatcher.BeforeSave(ctx, &space); err != nil {
		return Space{}, err
	}

	err := s.rooms.Update(ctx, func(rooms map[string]Space) error {
		for {
			if _, taken := rooms[space.Slug]; !taken {
				break
			}
			space.Slug = slug + "-" + ids.Suffix(6)
		}
		rooms[space.Slug] = space
		return nil
	})
	if err != nil {
		return Space{}, err
	}
	s.logger.Info("space created", zap.String("space", space.Slug), zap.String("actor", input.Actor))
	s.afterSave(ctx, &space)
	return space, nil
}

// Get returns a space by slug.
func (s *Service) Get(ctx context.Context, slug string) (Space, error) {
	space, ok, err := s.rooms.Get(ctx, slug)
	if err != nil {
		return Space{}, err
	}
	if !ok {
		return Space{}, spaceMissing("spaces.get", slug)
	}
	return space, nil
}

// List returns every space, newest first.
func (s *Service) List(ctx context.Context) ([]Space, error) {
	rooms, err := s.rooms.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Space, 0, len(rooms))
	for _, space := range rooms {
		out = append(out, space)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created == out[j].Created {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Created > out[j].Created
	})
	return out, nil
}

// Join adds actor to a public space.
func (s *Service) Join(ctx context.Context, actor, slug string) (Space, error) {
	var joined Space
	err := s.rooms.Update(ctx, func(rooms map[string]Space) error {
		space, ok := rooms[slug]
		if !ok {
			return spaceMissing("spaces.join", slug)
		}
		if space.AccessLevel == AccessRestricted {
			return apperr.Authorization("spaces.join", "restricted", "this space is restricted, send a membership request instead")
		}
		if space.HasParticipant(actor) {
			return apperr.Conflict("spaces.join", "already_member", "you are already a member of this space")
		}
		space.AddMember(actor)
		rooms[slug] = space
		joined = space
		return nil
	})
	if err != nil {
		return Space{}, err
	}
	s.afterSave(ctx, &joined)
	return joined, nil
}

// Leave removes actor from a space's member list. Admins cannot leave.
func (s *Service) Leave(ctx context.Context, actor, slug string) (Space, error) {
	var left Space
	err := s.rooms.Update(ctx, func(rooms map[string]Space) error {
		space, ok := rooms[slug]
		if !ok {
			return spaceMissing("spaces.leave", slug)
		}
		if space.IsAdmin(actor) {
			return apperr.New(apperr.KindAuthorization, "spaces.leave", "admin", "admins cannot leave their own space", ErrAdminCannotLeave)
		}
		if !space.IsMember(actor) {
			return apperr.New(apperr.KindConflict, "spaces.leave", "not_member", "you are not a member of this space", ErrNotMember)
		}
		members := make([]string, 0, len(space.Members))
		for _, member := range space.Members {
			if member != actor {
				members = append(members, member)
			}
		}
		space.Members = members
		rooms[slug] = space
		left = space
		return nil
	})
	if err != nil {
		return Space{}, err
	}
	left.Departed = []string{actor}
	s.afterSave(ctx, &left)
	return left, nil
}

func (s *Service) afterSave(ctx context.Context, space *Space) {
	if err := s.dispatcher.AfterSave(ctx, space); err != nil {
		s.logger.Warn("space after-save failed", zap.String("space", space.Slug), zap.Error(err))
	}
}

func (s *Service) validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		switch fieldErrors[0].Field() {
		case "Name":
			return apperr.New(apperr.KindValidation, "spaces.create", "name_invalid", "a space name needs at least 3 characters", err)
		case "AccessLevel":
			return apperr.New(apperr.KindValidation, "spaces.create", "access_level_invalid", "access level must be public or restricted", err)
		case "Actor":
			return apperr.New(apperr.KindValidation, "spaces.create", "actor_missing", "you must be signed in to create a space", err)
		}
	}
	return apperr.New(apperr.KindValidation, "spaces.create", "input_invalid", "invalid space", err)
}

func spaceMissing(operation, slug string) error {
	return apperr.NotFound(operation, "space_missing", fmt.Sprintf("space %s does not exist", slug))
}
