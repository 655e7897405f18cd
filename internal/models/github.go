package models

import "time"

// GithubRecord is a request to mirror one GitHub repository into a DAO
type GithubRecord struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UserID    *string   `json:"userId,omitempty" db:"user_id"`
	GithubURL string    `json:"githubUrl" db:"github_url"`
	GoshURL   string    `json:"goshUrl" db:"gosh_url"`
	// DaoBotID stays nil until a bot is resolved for the DAO named in GoshURL.
	DaoBotID  *string    `json:"daoBot,omitempty" db:"dao_bot"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty" db:"updated_at"`
	Ignore    bool       `json:"ignore" db:"ignore"`
	Objects   *int       `json:"objects,omitempty" db:"objects"`
}

// Uploaded reports whether the repository has been pushed
func (g *GithubRecord) Uploaded() bool {
	return g.UpdatedAt != nil
}

// GithubWithDaoBot is a record joined with its bot
type GithubWithDaoBot struct {
	GithubRecord
	DaoBot *DaoBot `json:"daoBotRecord,omitempty"`
}
