package server

import (
	"strings"

	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/messages"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"github.com/MarcoPoloResearchLab/commons/internal/tags"
)

type accountPayload struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	Following   []string `json:"following"`
	Followers   []string `json:"followers"`
	Spaces      []string `json:"spaces"`
}

type actionRequestPayload struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

type createSpaceRequestPayload struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	AccessLevel spaces.AccessLevel `json:"access_level"`
	Address     *geocode.Feature   `json:"address"`
}

type sendMessageRequestPayload struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
	Content     string `json:"content"`
}

type createTagRequestPayload struct {
	Name        string    `json:"name"`
	Type        tags.Type `json:"tag_type"`
	Parent      string    `json:"parent"`
	Description string    `json:"description"`
	CityCode    string    `json:"citycode"`
	PostCode    string    `json:"postcode"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
}

func (p createTagRequestPayload) extra() tags.Extra {
	return tags.Extra{
		Description: p.Description,
		CityCode:    p.CityCode,
		PostCode:    p.PostCode,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
	}
}

// messageChannel defaults an empty channel type to the global channel.
func messageChannel(raw string) messages.ChannelType {
	value := strings.TrimSpace(raw)
	if value == "" {
		return messages.ChannelGlobal
	}
	return messages.ChannelType(value)
}
