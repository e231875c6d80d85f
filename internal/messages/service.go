// Package messages stores chat messages posted to global and space channels.
package messages

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/clock"
	"github.com/MarcoPoloResearchLab/commons/internal/ids"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ChannelType selects where a message is posted.
type ChannelType string

const (
	ChannelGlobal        ChannelType = "global"
	ChannelSpace         ChannelType = "space"
	ChannelSpaceInternal ChannelType = "space_internal"
	ChannelSpaceExternal ChannelType = "space_external"
)

// GlobalChannelID is the channel id every global message is stored under.
const GlobalChannelID = "general"

const maxContentLength = 5000

var validate = validator.New()

// Message is a stored chat message.
type Message struct {
	ID          string      `json:"id"`
	Sender      string      `json:"sender"`
	ChannelType ChannelType `json:"channel_type"`
	ChannelID   string      `json:"channel_id"`
	Content     string      `json:"content"`
	Timestamp   string      `json:"timestamp"`
	ReadBy      []string    `json:"read_by"`
}

type sendInput struct {
	Sender      string `validate:"required"`
	ChannelType string `validate:"oneof=global space space_internal space_external"`
	Content     string `validate:"required"`
}

// Config wires a Service.
type Config struct {
	Store      *store.Store
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service posts and lists messages.
type Service struct {
	messages *store.Records[Message]
	rooms    *store.Records[spaces.Space]
	ids      ids.Provider
	clock    clock.Clock
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("messages: store required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewULIDProvider("msg_")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		messages: store.NewRecords[Message](cfg.Store, store.Messages),
		rooms:    store.NewRecords[spaces.Space](cfg.Store, store.Rooms),
		ids:      idProvider,
		clock:    clock.OrSystem(cfg.Clock),
		logger:   logger,
	}, nil
}

// Send stores a message from sender. Space channels require the space to
// exist; internal channels also require the sender to belong to it. Content
// is HTML-escaped before storage.
func (s *Service) Send(ctx context.Context, sender string, channelType ChannelType, channelID, content string) (Message, error) {
	sender = strings.TrimSpace(sender)
	channelID = strings.TrimSpace(channelID)
	content = strings.TrimSpace(content)
	input := sendInput{Sender: sender, ChannelType: string(channelType), Content: content}
	if err := validate.Struct(input); err != nil {
		return Message{}, apperr.New(apperr.KindValidation, "messages.send", "input_invalid", "a message needs content and a known channel", err)
	}
	if len([]rune(content)) > maxContentLength {
		return Message{}, apperr.Validation("messages.send", "too_long", fmt.Sprintf("messages are limited to %d characters", maxContentLength))
	}

	if channelType != ChannelGlobal {
		if channelID == "" {
			return Message{}, apperr.Validation("messages.send", "channel_missing", "a space channel needs a space")
		}
		space, ok, err := s.rooms.Get(ctx, channelID)
		if err != nil {
			return Message{}, err
		}
		if !ok {
			return Message{}, apperr.NotFound("messages.send", "space_missing", fmt.Sprintf("space %s does not exist", channelID))
		}
		if channelType == ChannelSpaceInternal && !space.HasParticipant(sender) {
			return Message{}, apperr.Authorization("messages.send", "not_member", "only members can post in this channel")
		}
	} else {
		channelID = GlobalChannelID
	}

	id, err := s.ids.NewID()
	if err != nil {
		return Message{}, apperr.IO("messages.send", "id_failed", "could not send message", err)
	}
	message := Message{
		ID:          id,
		Sender:      sender,
		ChannelType: channelType,
		ChannelID:   channelID,
		Content:     html.EscapeString(content),
		Timestamp:   s.clock.Stamp(),
		ReadBy:      []string{sender},
	}
	if err := s.messages.Insert(ctx, id, message); err != nil {
		return Message{}, err
	}
	s.logger.Debug("message stored", zap.String("id", id), zap.String("channel_type", string(channelType)))
	return message, nil
}

// List returns the messages of a channel, oldest first. Internal space
// channels are readable by participants of the space only.
func (s *Service) List(ctx context.Context, actor string, channelType ChannelType, channelID string) ([]Message, error) {
	channelID = strings.TrimSpace(channelID)
	if channelType == ChannelGlobal {
		channelID = GlobalChannelID
	}
	if channelType == ChannelSpaceInternal {
		space, ok, err := s.rooms.Get(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.NotFound("messages.list", "space_missing", fmt.Sprintf("space %s does not exist", channelID))
		}
		if !space.HasParticipant(strings.TrimSpace(actor)) {
			return nil, apperr.Authorization("messages.list", "not_member", "only members can read this channel")
		}
	}
	all, err := s.messages.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0)
	for _, message := range all {
		if message.ChannelType == channelType && message.ChannelID == channelID {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}
