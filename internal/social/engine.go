// Package social is the action boundary: it dispatches named actions to the
// graph, space and membership services and turns every result into a
// user-facing outcome.
package social

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/commons/internal/activity"
	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/membership"
	"github.com/MarcoPoloResearchLab/commons/internal/messages"
	"github.com/MarcoPoloResearchLab/commons/internal/metrics"
	"github.com/MarcoPoloResearchLab/commons/internal/relations"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"go.uber.org/zap"
)

// Severity grades an outcome.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action names accepted by Perform.
const (
	ActionFollow        = "follow"
	ActionUnfollow      = "unfollow"
	ActionJoinSpace     = "join-space"
	ActionLeaveSpace    = "leave-space"
	ActionRequestJoin   = "request-join"
	ActionCancelRequest = "cancel-request"
	ActionVoteAccept    = "vote-accept"
	ActionVoteReject    = "vote-reject"
)

// Outcome is the single result of an action.
type Outcome struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Recorder receives audit entries.
type Recorder interface {
	Record(ctx context.Context, entry activity.Entry)
}

// Config wires an Engine.
type Config struct {
	Graph      *relations.Graph
	Spaces     *spaces.Service
	Membership *membership.Workflow
	Messages   *messages.Service
	Activity   Recorder
	Logger     *zap.Logger
}

// Engine performs social actions.
type Engine struct {
	graph      *relations.Graph
	spaces     *spaces.Service
	membership *membership.Workflow
	messages   *messages.Service
	activity   Recorder
	logger     *zap.Logger
	handlers   map[string]actionHandler
}

type actionHandler func(ctx context.Context, actor, target string) (Outcome, error)

// NewEngine constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Graph == nil || cfg.Spaces == nil || cfg.Membership == nil || cfg.Messages == nil {
		return nil, errors.New("social: graph, spaces, membership and messages are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		graph:      cfg.Graph,
		spaces:     cfg.Spaces,
		membership: cfg.Membership,
		messages:   cfg.Messages,
		activity:   cfg.Activity,
		logger:     logger,
	}
	engine.handlers = map[string]actionHandler{
		ActionFollow:        engine.follow,
		ActionUnfollow:      engine.unfollow,
		ActionJoinSpace:     engine.joinSpace,
		ActionLeaveSpace:    engine.leaveSpace,
		ActionRequestJoin:   engine.requestJoin,
		ActionCancelRequest: engine.cancelRequest,
		ActionVoteAccept:    engine.voteHandler(membership.ChoiceAccept),
		ActionVoteReject:    engine.voteHandler(membership.ChoiceReject),
	}
	return engine, nil
}

// Perform runs action for actor against target. It never returns an error;
// failures are reported through the outcome.
func (e *Engine) Perform(ctx context.Context, actor, action, target string) Outcome {
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	target = strings.TrimSpace(target)

	outcome := e.perform(ctx, actor, action, target)
	metrics.RecordAction(metricLabel(action, e.handlers), string(outcome.Severity))
	return outcome
}

func (e *Engine) perform(ctx context.Context, actor, action, target string) Outcome {
	if actor == "" {
		return e.failure(action, apperr.Authorization("social.perform", "anonymous", "you must be signed in"))
	}
	if action == "" {
		return e.failure(action, apperr.Validation("social.perform", "action_missing", "no action given"))
	}
	if target == "" {
		return e.failure(action, apperr.Validation("social.perform", "target_missing", "no target given"))
	}
	handler, ok := e.handlers[action]
	if !ok {
		return e.failure(action, apperr.Validation("social.perform", "action_unknown", fmt.Sprintf("unknown action %q", action)))
	}
	outcome, err := handler(ctx, actor, target)
	if err != nil {
		return e.failure(action, err)
	}
	return outcome
}

// CreateSpace creates a space owned by actor and returns its slug.
func (e *Engine) CreateSpace(ctx context.Context, actor, name, description string, accessLevel spaces.AccessLevel, address *geocode.Feature) (string, error) {
	if strings.TrimSpace(actor) == "" {
		return "", apperr.Authorization("social.create_space", "anonymous", "you must be signed in")
	}
	space, err := e.spaces.Create(ctx, spaces.CreateInput{
		Actor:       actor,
		Name:        name,
		Description: description,
		AccessLevel: accessLevel,
		Address:     address,
	})
	if err != nil {
		e.logError("social.create_space", err)
		return "", err
	}
	e.record(ctx, activity.Entry{Actor: actor, Verb: "create", ObjectType: "space", ObjectID: space.Slug})
	return space.Slug, nil
}

// SendMessage posts content from actor to a channel.
func (e *Engine) SendMessage(ctx context.Context, actor string, channelType messages.ChannelType, channelID, content string) (messages.Message, error) {
	if strings.TrimSpace(actor) == "" {
		return messages.Message{}, apperr.Authorization("social.send_message", "anonymous", "you must be signed in")
	}
	message, err := e.messages.Send(ctx, actor, channelType, channelID, content)
	if err != nil {
		e.logError("social.send_message", err)
		return messages.Message{}, err
	}
	return message, nil
}

func (e *Engine) follow(ctx context.Context, actor, target string) (Outcome, error) {
	changed, err := e.graph.Follow(ctx, actor, target)
	if err != nil {
		return Outcome{}, err
	}
	if !changed {
		return info(fmt.Sprintf("You already follow %s", target)), nil
	}
	e.record(ctx, activity.Entry{Actor: actor, Verb: "follow", ObjectType: "user", ObjectID: target})
	return success(fmt.Sprintf("You now follow %s", target)), nil
}

func (e *Engine) unfollow(ctx context.Context, actor, target string) (Outcome, error) {
	changed, err := e.graph.Unfollow(ctx, actor, target)
	if err != nil {
		return Outcome{}, err
	}
	if !changed {
		return info(fmt.Sprintf("You do not follow %s", target)), nil
	}
	e.record(ctx, activity.Entry{Actor: actor, Verb: "unfollow", ObjectType: "user", ObjectID: target})
	return success(fmt.Sprintf("You no longer follow %s", target)), nil
}

func (e *Engine) joinSpace(ctx context.Context, actor, target string) (Outcome, error) {
	space, err := e.spaces.Join(ctx, actor, target)
	if err != nil {
		return Outcome{}, err
	}
	e.record(ctx, activity.Entry{Actor: actor, Verb: "join", ObjectType: "space", ObjectID: space.Slug})
	return success(fmt.Sprintf("You joined %s", space.Name)), nil
}

func (e *Engine) leaveSpace(ctx context.Context, actor, target string) (Outcome, error) {
	space, err := e.spaces.Leave(ctx, actor, target)
	if err != nil {
		return Outcome{}, err
	}
	e.record(ctx, activity.Entry{Actor: actor, Verb: "leave", ObjectType: "space", ObjectID: space.Slug})
	return success(fmt.Sprintf("You left %s", space.Name)), nil
}

func (e *Engine) requestJoin(ctx context.Context, actor, target string) (Outcome, error) {
	if _, err := e.membership.RequestJoin(ctx, actor, target); err != nil {
		return Outcome{}, err
	}
	return success("Your request has been sent to the members"), nil
}

func (e *Engine) cancelRequest(ctx context.Context, actor, target string) (Outcome, error) {
	if err := e.membership.Cancel(ctx, actor, target); err != nil {
		return Outcome{}, err
	}
	return success("Your request has been cancelled"), nil
}

func (e *Engine) voteHandler(choice membership.Choice) actionHandler {
	return func(ctx context.Context, actor, target string) (Outcome, error) {
		decision, err := e.membership.Vote(ctx, actor, target, choice)
		if err != nil {
			return Outcome{}, err
		}
		switch decision {
		case membership.DecisionAccepted:
			return success("Vote recorded, the request has been accepted"), nil
		case membership.DecisionRejected:
			return success("Vote recorded, the request has been rejected"), nil
		default:
			return success("Vote recorded"), nil
		}
	}
}

// failure maps an error onto an outcome by kind.
func (e *Engine) failure(action string, err error) Outcome {
	e.logError("social."+strings.ReplaceAll(action, "-", "_"), err)
	switch {
	case errors.Is(err, spaces.ErrAdminCannotLeave):
		return Outcome{Severity: SeverityWarning, Message: apperr.MessageOf(err)}
	case errors.Is(err, spaces.ErrNotMember):
		return Outcome{Severity: SeverityInfo, Message: apperr.MessageOf(err)}
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindAuthorization:
		return Outcome{Severity: SeverityError, Message: apperr.MessageOf(err)}
	case apperr.KindConflict:
		return Outcome{Severity: SeverityWarning, Message: apperr.MessageOf(err)}
	default:
		return Outcome{Severity: SeverityError, Message: "Error: " + apperr.MessageOf(err)}
	}
}

func (e *Engine) logError(operation string, err error) {
	kind := apperr.KindOf(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", apperr.CodeOf(err)),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	switch kind {
	case apperr.KindIO, apperr.KindInternal:
		e.logger.Error("social action failed", fields...)
	case apperr.KindExternalService:
		e.logger.Warn("social action degraded", fields...)
	default:
		e.logger.Info("social action refused", fields...)
	}
}

func (e *Engine) record(ctx context.Context, entry activity.Entry) {
	if e.activity != nil {
		e.activity.Record(ctx, entry)
	}
}

func success(message string) Outcome {
	return Outcome{Severity: SeveritySuccess, Message: message}
}

func info(message string) Outcome {
	return Outcome{Severity: SeverityInfo, Message: message}
}

// metricLabel keeps the action label set bounded.
func metricLabel(action string, known map[string]actionHandler) string {
	if _, ok := known[action]; ok {
		return action
	}
	return "unknown"
}
