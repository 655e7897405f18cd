// Package models provides data models for the onboarding pipeline.
package models

import "time"

// DaoBot is the service identity that owns a DAO on behalf of imported users
type DaoBot struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	DaoName   string    `json:"daoName" db:"dao_name"`
	Seed      string    `json:"-" db:"seed"`
	Pubkey    string    `json:"pubkey" db:"pubkey"`
	Secret    string    `json:"-" db:"secret"`
	// ProfileGoshAddress is set only once the bot profile is confirmed active.
	ProfileGoshAddress *string    `json:"profileGoshAddress,omitempty" db:"profile_gosh_address"`
	InitializedAt      *time.Time `json:"initializedAt,omitempty" db:"initialized_at"`
}

// HasProfile reports whether the bot profile has been provisioned
func (b *DaoBot) HasProfile() bool {
	return b.ProfileGoshAddress != nil && *b.ProfileGoshAddress != ""
}

// Profile returns the profile address or an empty string
func (b *DaoBot) Profile() string {
	if b.ProfileGoshAddress == nil {
		return ""
	}
	return *b.ProfileGoshAddress
}

// Initialized reports whether the DAO and wallet access are provisioned
func (b *DaoBot) Initialized() bool {
	return b.InitializedAt != nil
}
