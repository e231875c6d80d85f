package spaces

import (
	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
)

// AccessLevel controls how people enter a space.
type AccessLevel string

const (
	// AccessPublic spaces can be joined directly.
	AccessPublic AccessLevel = "public"
	// AccessRestricted spaces admit people through a membership vote.
	AccessRestricted AccessLevel = "restricted"
)

// Space is a community room.
type Space struct {
	Slug        string      `json:"slug"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Admins      []string    `json:"admins"`
	Members     []string    `json:"members"`
	AccessLevel AccessLevel `json:"access_level"`
	AddressTag  string      `json:"address_tag,omitempty"`
	Location    string      `json:"location,omitempty"`
	Latitude    *float64    `json:"latitude,omitempty"`
	Longitude   *float64    `json:"longitude,omitempty"`
	Created     string      `json:"created"`

	// Address is the raw address submitted with a new space.
	Address *geocode.Feature `json:"-"`
	// Departed lists people removed by the save that carries this value.
	Departed []string `json:"-"`
}

// Kind routes spaces to the social-space save handlers.
func (*Space) Kind() hooks.ObjectKind {
	return hooks.KindSocialSpace
}

// IsAdmin reports whether username administers the space.
func (s Space) IsAdmin(username string) bool {
	return contains(s.Admins, username)
}

// IsMember reports whether username is on the member list.
func (s Space) IsMember(username string) bool {
	return contains(s.Members, username)
}

// HasParticipant reports whether username is a member or an admin.
func (s Space) HasParticipant(username string) bool {
	return s.IsMember(username) || s.IsAdmin(username)
}

// Participants returns members and admins without duplicates, members first.
func (s Space) Participants() []string {
	out := make([]string, 0, len(s.Members)+len(s.Admins))
	seen := make(map[string]struct{}, cap(out))
	for _, group := range [][]string{s.Members, s.Admins} {
		for _, username := range group {
			if _, dup := seen[username]; dup || username == "" {
				continue
			}
			seen[username] = struct{}{}
			out = append(out, username)
		}
	}
	return out
}

// AddMember appends username unless present and reports whether it changed.
func (s *Space) AddMember(username string) bool {
	if s.IsMember(username) {
		return false
	}
	s.Members = append(s.Members, username)
	return true
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
