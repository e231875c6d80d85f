package tags

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
)

// Type is the geographic level of a tag.
type Type string

const (
	TypeCountry Type = "pays"
	TypeRegion  Type = "region"
	TypeCity    Type = "ville"
	TypeStreet  Type = "rue"
	TypeNumber  Type = "numero"
)

var typeRank = map[Type]int{
	TypeCountry: 0,
	TypeRegion:  1,
	TypeCity:    2,
	TypeStreet:  3,
	TypeNumber:  4,
}

// Valid reports whether t is a known level.
func (t Type) Valid() bool {
	_, ok := typeRank[t]
	return ok
}

// Rank orders levels from country (0) to house number (4).
func (t Type) Rank() int {
	return typeRank[t]
}

// Geocodable reports whether tags of this level are enriched with coordinates.
func (t Type) Geocodable() bool {
	return t == TypeCity || t == TypeStreet || t == TypeNumber
}

// Tag is a knowledge tag, keyed by its derived slug.
type Tag struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Type        Type     `json:"tag_type"`
	Parent      string   `json:"parent,omitempty"`
	Description string   `json:"description,omitempty"`
	CityCode    string   `json:"citycode,omitempty"`
	PostCode    string   `json:"postcode,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Published   bool     `json:"published"`
	Created     string   `json:"created,omitempty"`
}

// Kind routes tags to the knowledge-tag save handlers.
func (*Tag) Kind() hooks.ObjectKind {
	return hooks.KindKnowledgeTag
}

// HasPoint reports whether both coordinates are set.
func (t Tag) HasPoint() bool {
	return t.Latitude != nil && t.Longitude != nil
}

// Extra carries optional level-specific attributes for a new tag.
type Extra struct {
	Description string
	CityCode    string
	PostCode    string
	Latitude    *float64
	Longitude   *float64
}

// Option is a selectable tag label.
type Option struct {
	Slug  string `json:"slug"`
	Label string `json:"label"`
}

func label(tag Tag, parentName string) string {
	if parentName == "" {
		return fmt.Sprintf("[%s] %s", tag.Type, tag.Name)
	}
	return fmt.Sprintf("[%s] %s ( < %s )", tag.Type, tag.Name, parentName)
}
