// Package membership runs the quorum vote that admits people into
// restricted spaces.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/activity"
	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/clock"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"github.com/MarcoPoloResearchLab/commons/internal/metrics"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"go.uber.org/zap"
)

// ActivityRecorder receives audit entries.
type ActivityRecorder interface {
	Record(ctx context.Context, entry activity.Entry)
}

// Config wires a Workflow.
type Config struct {
	Store      *store.Store
	Dispatcher *hooks.Dispatcher
	Activity   ActivityRecorder
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Workflow creates, cancels and decides join requests.
type Workflow struct {
	store      *store.Store
	rooms      *store.Records[spaces.Space]
	requests   *store.Records[Request]
	dispatcher *hooks.Dispatcher
	activity   ActivityRecorder
	clock      clock.Clock
	logger     *zap.Logger
}

// NewWorkflow constructs a Workflow.
func NewWorkflow(cfg Config) (*Workflow, error) {
	if cfg.Store == nil {
		return nil, errors.New("membership: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		store:      cfg.Store,
		rooms:      store.NewRecords[spaces.Space](cfg.Store, store.Rooms),
		requests:   store.NewRecords[Request](cfg.Store, store.Requests),
		dispatcher: cfg.Dispatcher,
		activity:   cfg.Activity,
		clock:      clock.OrSystem(cfg.Clock),
		logger:     logger,
	}, nil
}

// RequestJoin opens a pending request for actor on the space.
func (w *Workflow) RequestJoin(ctx context.Context, actor, slug string) (Request, error) {
	var created Request
	err := w.store.Transaction(ctx, []store.Collection{store.Rooms, store.Requests}, func(tx *store.Tx) error {
		rooms, err := w.rooms.LoadTx(tx)
		if err != nil {
			return err
		}
		space, ok := rooms[slug]
		if !ok {
			return apperr.NotFound("membership.request_join", "space_missing", fmt.Sprintf("space %s does not exist", slug))
		}
		if space.HasParticipant(actor) {
			return apperr.Conflict("membership.request_join", "already_member", "you are already a member of this space")
		}
		requests, err := w.requests.LoadTx(tx)
		if err != nil {
			return err
		}
		key := RequestKey(slug, actor)
		if existing, ok := requests[key]; ok {
			if existing.Status == StatusRejected {
				return apperr.Conflict("membership.request_join", "rejected", "your request for this space was rejected")
			}
			return apperr.Conflict("membership.request_join", "duplicate", "a request for this space is already pending")
		}
		created = Request{
			ID:          key,
			SpaceSlug:   slug,
			Username:    actor,
			Status:      StatusPending,
			VotesAccept: []string{},
			VotesReject: []string{},
			Timestamp:   w.clock.Stamp(),
		}
		requests[key] = created
		return w.requests.SaveTx(tx, requests)
	})
	if err != nil {
		return Request{}, err
	}
	w.logger.Info("join requested", zap.String("space", slug), zap.String("username", actor))
	w.record(ctx, activity.Entry{Actor: actor, Verb: "request_join", ObjectType: "space", ObjectID: slug})
	return created, nil
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (w *Workflow) Cancel(ctx context.Context, actor, key string) error {
	return w.requests.Update(ctx, func(requests map[string]Request) error {
		request, ok := requests[key]
		if !ok {
			return requestMissing("membership.cancel", key)
		}
		if request.Username != actor {
			return apperr.Authorization("membership.cancel", "not_requester", "only the requester can cancel this request")
		}
		if request.Status != StatusPending {
			return apperr.Conflict("membership.cancel", "resolved", "this request has already been resolved")
		}
		delete(requests, key)
		return nil
	})
}

// Vote records voter's ballot on a pending request and applies the decision.
// The request tally is saved before the room; a failure between the two
// leaves a pending request holding a winning tally, which the next vote
// resolves again.
func (w *Workflow) Vote(ctx context.Context, voter, key string, choice Choice) (Decision, error) {
	if choice != ChoiceAccept && choice != ChoiceReject {
		return "", apperr.Validation("membership.vote", "choice_invalid", "a vote must be accept or reject")
	}
	var (
		decision Decision
		request  Request
		space    spaces.Space
	)
	err := w.store.Transaction(ctx, []store.Collection{store.Rooms, store.Requests}, func(tx *store.Tx) error {
		requests, err := w.requests.LoadTx(tx)
		if err != nil {
			return err
		}
		var ok bool
		request, ok = requests[key]
		if !ok {
			return requestMissing("membership.vote", key)
		}
		if request.Status != StatusPending {
			return apperr.Conflict("membership.vote", "resolved", "this request has already been resolved")
		}
		if request.Username == voter {
			return apperr.Authorization("membership.vote", "self_vote", "you cannot vote on your own request")
		}
		rooms, err := w.rooms.LoadTx(tx)
		if err != nil {
			return err
		}
		space, ok = rooms[request.SpaceSlug]
		if !ok {
			return apperr.NotFound("membership.vote", "space_missing", fmt.Sprintf("space %s does not exist", request.SpaceSlug))
		}
		if !space.HasParticipant(voter) {
			return apperr.Authorization("membership.vote", "not_member", "only members of this space can vote")
		}

		request.cast(voter, choice)
		decision = Tally(len(request.VotesAccept), len(request.VotesReject), len(space.Participants()))
		if decision == DecisionRejected {
			request.Status = StatusRejected
			request.ResolvedAt = w.clock.Stamp()
		}
		requests[key] = request
		if err := w.requests.SaveTx(tx, requests); err != nil {
			return err
		}
		if decision != DecisionAccepted {
			return nil
		}

		space.AddMember(request.Username)
		rooms[space.Slug] = space
		if err := w.rooms.SaveTx(tx, rooms); err != nil {
			return err
		}
		delete(requests, key)
		return w.requests.SaveTx(tx, requests)
	})
	if err != nil {
		return "", err
	}

	metrics.RecordVote(string(decision))
	w.logger.Info("membership vote",
		zap.String("request", key),
		zap.String("voter", voter),
		zap.String("choice", string(choice)),
		zap.String("decision", string(decision)),
	)
	if decision == DecisionAccepted {
		if err := w.dispatcher.AfterSave(ctx, &space); err != nil {
			w.logger.Warn("space after-save failed", zap.String("space", space.Slug), zap.Error(err))
		}
		w.record(ctx, activity.Entry{
			Actor:      voter,
			Verb:       "accepted_join",
			ObjectType: "space",
			ObjectID:   space.Slug,
			Context:    request.Username,
		})
	}
	return decision, nil
}

// Get returns the request stored under key.
func (w *Workflow) Get(ctx context.Context, key string) (Request, error) {
	request, ok, err := w.requests.Get(ctx, key)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, requestMissing("membership.get", key)
	}
	return request, nil
}

// ListPending returns the pending requests of a space, oldest first. Only
// participants of the space may read them.
func (w *Workflow) ListPending(ctx context.Context, actor, slug string) ([]Request, error) {
	space, ok, err := w.rooms.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("membership.list_pending", "space_missing", fmt.Sprintf("space %s does not exist", slug))
	}
	if !space.HasParticipant(actor) {
		return nil, apperr.Authorization("membership.list_pending", "not_member", "only members can see join requests")
	}
	requests, err := w.requests.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0)
	for _, request := range requests {
		if request.SpaceSlug == slug && request.Status == StatusPending {
			out = append(out, request)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (w *Workflow) record(ctx context.Context, entry activity.Entry) {
	if w.activity != nil {
		w.activity.Record(ctx, entry)
	}
}

func requestMissing(operation, key string) error {
	return apperr.NotFound(operation, "request_missing", fmt.Sprintf("request %s does not exist", key))
}
