package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rentfolio/backend/internal/models"
)

// MappingService resolves logical GL roles to the org's concrete accounts.
// The chart of accounts is configuration the platform owns; this is just the
// lookup, with a short Redis cache in front since every posted line resolves
// through it.
type MappingService struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
}

func NewMappingService(db *sql.DB, cache *redis.Client) *MappingService {
	return &MappingService{db: db, cache: cache, ttl: 5 * time.Minute}
}

func (s *MappingService) Resolve(ctx context.Context, orgID, role string) (models.GLAccountRef, error) {
	cacheKey := fmt.Sprintf("glmap:%s:%s", orgID, role)
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var account models.GLAccountRef
			if jsonErr := json.Unmarshal([]byte(val), &account); jsonErr == nil {
				return account, nil
			}
		}
	}

	var account models.GLAccountRef
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, account_name, account_number, account_type, is_bank_account, exclude_from_cash_balances
		FROM gl_account_mappings
		WHERE org_id = $1 AND role = $2`, orgID, role).
		Scan(&account.ID, &account.Name, &account.Number, &account.Type,
			&account.IsBankAccount, &account.ExcludeFromCashBalances)
	if err == sql.ErrNoRows {
		return models.GLAccountRef{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, orgID, role)
	}
	if err != nil {
		return models.GLAccountRef{}, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(account); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, s.ttl).Err()
		}
	}
	return account, nil
}
