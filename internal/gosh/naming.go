package gosh

import (
	"net/url"
	"regexp"
	"strings"

	apperrors "github.com/onboarding-workflow/internal/errors"
)

// MaxNameLength is the longest DAO or repository name accepted on chain
const MaxNameLength = 39

const botSuffix = "-bot"

var namePattern = regexp.MustCompile(`^[\w-]+$`)

// NameKind selects the rule set for ValidateName
type NameKind string

const (
	KindDao        NameKind = "dao_name"
	KindRepository NameKind = "repo_name"
)

// ValidateName checks a DAO or repository name against the on-chain naming rules
func ValidateName(kind NameKind, name string) error {
	reason := nameViolation(kind, name)
	if reason == "" {
		return nil
	}
	return apperrors.NewValidationError(string(kind), name, reason)
}

func nameViolation(kind NameKind, name string) string {
	switch {
	case name == "":
		return "must not be empty"
	case len(name) > MaxNameLength:
		return "too long"
	case !namePattern.MatchString(name):
		return "contains invalid characters"
	case strings.Contains(name, "--") || strings.Contains(name, "__"):
		return "contains repeated separators"
	case strings.HasPrefix(name, "-"):
		return "starts with a separator"
	case kind == KindDao && strings.HasPrefix(name, "_"):
		return "starts with a separator"
	case strings.ToLower(name) != name:
		return "must be lowercase"
	}
	return ""
}

// BotName is the profile name of the bot that owns a DAO
func BotName(daoName string) string {
	return daoName + botSuffix
}

// ParseGoshURL splits gosh://<system>/<dao>/<repo> into its DAO and repository names
func ParseGoshURL(goshURL string) (dao, repo string) {
	path := goshURL
	if u, err := url.Parse(goshURL); err == nil && u.Scheme != "" {
		path = u.Host + u.Path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 0 {
		repo = parts[len(parts)-1]
	}
	if len(parts) > 1 {
		dao = parts[len(parts)-2]
	}
	return dao, repo
}

// RepoNameFromURL returns the repository segment of a gosh URL
func RepoNameFromURL(goshURL string) string {
	_, repo := ParseGoshURL(goshURL)
	return repo
}

// DaoNameFromURL returns the DAO segment of a gosh URL
func DaoNameFromURL(goshURL string) string {
	dao, _ := ParseGoshURL(goshURL)
	return dao
}
