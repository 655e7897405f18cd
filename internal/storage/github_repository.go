package storage

import (
	"context"
	"time"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/models"
)

const githubColumns = `g.id, g.created_at, g.user_id, g.github_url, g.gosh_url, g.dao_bot, g.updated_at, g.ignore, g.objects`

// GithubRepository handles github import record persistence
type GithubRepository struct {
	db *PostgresDB
}

// NewGithubRepository creates a new github repository
func NewGithubRepository(db *PostgresDB) *GithubRepository {
	return &GithubRepository{db: db}
}

func githubFields(g *models.GithubRecord) []any {
	return []any{
		&g.ID,
		&g.CreatedAt,
		&g.UserID,
		&g.GithubURL,
		&g.GoshURL,
		&g.DaoBotID,
		&g.UpdatedAt,
		&g.Ignore,
		&g.Objects,
	}
}

func (r *GithubRepository) list(ctx context.Context, op, query string, args ...any) ([]*models.GithubRecord, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	var records []*models.GithubRecord
	for rows.Next() {
		var g models.GithubRecord
		if err := rows.Scan(githubFields(&g)...); err != nil {
			return nil, apperrors.NewDatabaseError(op, err)
		}
		records = append(records, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return records, nil
}

// GetWithDaoBot retrieves a record together with its bot, if linked
func (r *GithubRepository) GetWithDaoBot(ctx context.Context, id string) (*models.GithubWithDaoBot, error) {
	query := `
		SELECT ` + githubColumns + `,
			b.id, b.created_at, b.dao_name, b.seed, b.pubkey, b.secret,
			b.profile_gosh_address, b.initialized_at
		FROM github g
		LEFT JOIN dao_bot b ON b.id = g.dao_bot
		WHERE g.id = $1
	`

	var (
		rec   models.GithubWithDaoBot
		botID *string
		bot   struct {
			CreatedAt     *time.Time
			DaoName       *string
			Seed          *string
			Pubkey        *string
			Secret        *string
			Profile       *string
			InitializedAt *time.Time
		}
	)
	dest := append(githubFields(&rec.GithubRecord),
		&botID, &bot.CreatedAt, &bot.DaoName, &bot.Seed, &bot.Pubkey, &bot.Secret, &bot.Profile, &bot.InitializedAt)

	if err := r.db.Pool().QueryRow(ctx, query, id).Scan(dest...); err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFoundError("github", id)
		}
		return nil, apperrors.NewDatabaseError("get github", err)
	}

	if botID != nil {
		rec.DaoBot = &models.DaoBot{
			ID:                 *botID,
			CreatedAt:          deref(bot.CreatedAt),
			DaoName:            deref(bot.DaoName),
			Seed:               deref(bot.Seed),
			Pubkey:             deref(bot.Pubkey),
			Secret:             deref(bot.Secret),
			ProfileGoshAddress: bot.Profile,
			InitializedAt:      bot.InitializedAt,
		}
	}
	return &rec, nil
}

// ListUnlinked returns records that have no bot yet
func (r *GithubRepository) ListUnlinked(ctx context.Context) ([]*models.GithubRecord, error) {
	return r.list(ctx, "list unlinked github", `
		SELECT `+githubColumns+`
		FROM github g
		WHERE g.dao_bot IS NULL AND NOT g.ignore
		ORDER BY g.created_at
	`)
}

// ListForClone returns the bot's records still waiting for upload
func (r *GithubRepository) ListForClone(ctx context.Context, daoBotID string) ([]*models.GithubRecord, error) {
	return r.list(ctx, "list github for clone", `
		SELECT `+githubColumns+`
		FROM github g
		WHERE g.dao_bot = $1 AND g.updated_at IS NULL AND NOT g.ignore
		ORDER BY g.created_at
	`, daoBotID)
}

func (r *GithubRepository) update(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := r.db.Pool().Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return apperrors.NewDatabaseError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("github", id)
	}
	return nil
}

// LinkDaoBot assigns a bot to a record
func (r *GithubRepository) LinkDaoBot(ctx context.Context, id, daoBotID string) error {
	return r.update(ctx, "link dao_bot", id, `UPDATE github SET dao_bot = $2 WHERE id = $1`, daoBotID)
}

// SetObjects stores the counted git object total
func (r *GithubRepository) SetObjects(ctx context.Context, id string, objects int) error {
	return r.update(ctx, "set objects", id, `UPDATE github SET objects = $2 WHERE id = $1`, objects)
}

// MarkUpdated records a successful upload
func (r *GithubRepository) MarkUpdated(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, "mark updated", id, `UPDATE github SET updated_at = $2 WHERE id = $1`, at)
}

// SetIgnore toggles the ignore flag of one record
func (r *GithubRepository) SetIgnore(ctx context.Context, id string, ignore bool) error {
	return r.update(ctx, "set ignore", id, `UPDATE github SET ignore = $2 WHERE id = $1`, ignore)
}

// SetIgnoreByDaoBot toggles the ignore flag of every record of a bot
func (r *GithubRepository) SetIgnoreByDaoBot(ctx context.Context, daoBotID string, ignore bool) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `UPDATE github SET ignore = $2 WHERE dao_bot = $1`, daoBotID, ignore)
	if err != nil {
		return 0, apperrors.NewDatabaseError("set ignore by dao_bot", err)
	}
	return tag.RowsAffected(), nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
