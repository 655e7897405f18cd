package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/onboarding-workflow/internal/errors"
	"github.com/onboarding-workflow/internal/models"
)

const daoBotColumns = `id, created_at, dao_name, seed, pubkey, secret, profile_gosh_address, initialized_at`

// DaoBotRepository handles dao_bot persistence
type DaoBotRepository struct {
	db *PostgresDB
}

// NewDaoBotRepository creates a new dao bot repository
func NewDaoBotRepository(db *PostgresDB) *DaoBotRepository {
	return &DaoBotRepository{db: db}
}

func scanDaoBot(row rowScanner) (*models.DaoBot, error) {
	var bot models.DaoBot
	err := row.Scan(
		&bot.ID,
		&bot.CreatedAt,
		&bot.DaoName,
		&bot.Seed,
		&bot.Pubkey,
		&bot.Secret,
		&bot.ProfileGoshAddress,
		&bot.InitializedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// Create inserts a bot. When a bot with the same DAO name already exists the
// existing row is returned instead.
func (r *DaoBotRepository) Create(ctx context.Context, bot *models.DaoBot) (*models.DaoBot, error) {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}

	query := `
		INSERT INTO dao_bot (id, dao_name, seed, pubkey, secret)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dao_name) DO NOTHING
		RETURNING ` + daoBotColumns

	created, err := scanDaoBot(r.db.Pool().QueryRow(ctx, query,
		bot.ID,
		bot.DaoName,
		bot.Seed,
		bot.Pubkey,
		bot.Secret,
	))
	if err == nil {
		return created, nil
	}
	if !isNoRows(err) {
		return nil, apperrors.NewDatabaseError("create dao_bot", err)
	}
	return r.GetByName(ctx, bot.DaoName)
}

// GetByName retrieves a bot by its DAO name
func (r *DaoBotRepository) GetByName(ctx context.Context, daoName string) (*models.DaoBot, error) {
	query := `SELECT ` + daoBotColumns + ` FROM dao_bot WHERE dao_name = $1`
	bot, err := scanDaoBot(r.db.Pool().QueryRow(ctx, query, daoName))
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFoundError("dao_bot", daoName)
		}
		return nil, apperrors.NewDatabaseError("get dao_bot", err)
	}
	return bot, nil
}

// GetByID retrieves a bot by ID
func (r *DaoBotRepository) GetByID(ctx context.Context, id string) (*models.DaoBot, error) {
	query := `SELECT ` + daoBotColumns + ` FROM dao_bot WHERE id = $1`
	bot, err := scanDaoBot(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFoundError("dao_bot", id)
		}
		return nil, apperrors.NewDatabaseError("get dao_bot", err)
	}
	return bot, nil
}

// ListForInit returns bots whose profile has not been provisioned
func (r *DaoBotRepository) ListForInit(ctx context.Context) ([]*models.DaoBot, error) {
	query := `
		SELECT ` + daoBotColumns + `
		FROM dao_bot
		WHERE profile_gosh_address IS NULL
		ORDER BY created_at
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list dao_bot for init", err)
	}
	defer rows.Close()

	var bots []*models.DaoBot
	for rows.Next() {
		bot, err := scanDaoBot(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan dao_bot", err)
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list dao_bot for init", err)
	}
	return bots, nil
}

// SetProfileAddress records the confirmed profile address of a bot
func (r *DaoBotRepository) SetProfileAddress(ctx context.Context, id, address string) (*models.DaoBot, error) {
	query := `
		UPDATE dao_bot SET profile_gosh_address = $2
		WHERE id = $1
		RETURNING ` + daoBotColumns

	bot, err := scanDaoBot(r.db.Pool().QueryRow(ctx, query, id, address))
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFoundError("dao_bot", id)
		}
		return nil, apperrors.NewDatabaseError("set profile address", err)
	}
	return bot, nil
}

// SetInitialized marks the bot's DAO and wallet as provisioned
func (r *DaoBotRepository) SetInitialized(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Pool().Exec(ctx, `UPDATE dao_bot SET initialized_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return apperrors.NewDatabaseError("set initialized", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("dao_bot", id)
	}
	return nil
}
