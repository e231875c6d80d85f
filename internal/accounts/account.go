package accounts

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
)

// Relations holds an account's social links.
type Relations struct {
	Following []string `json:"following"`
	Followers []string `json:"followers"`
	Spaces    []string `json:"spaces"`
}

// Account is a person known to the community, keyed by username.
type Account struct {
	Username    string    `gorm:"column:username;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	Relations   Relations `gorm:"column:relations;serializer:json"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Kind places accounts outside the space and tag save pipelines.
func (*Account) Kind() hooks.ObjectKind {
	return hooks.KindOther
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
