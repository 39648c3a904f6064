package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/clarivex/internal/model"
)

// PostgresEntitlementRepo はPostgreSQLを使用したプレミアム権限リポジトリ。
type PostgresEntitlementRepo struct {
	db *sql.DB
}

// NewPostgresEntitlementRepo はPostgresEntitlementRepoを生成する。
func NewPostgresEntitlementRepo(db *sql.DB) *PostgresEntitlementRepo {
	return &PostgresEntitlementRepo{db: db}
}

// Grant は指定Discord IDにプレミアム権限を付与する。
// ON CONFLICTで冪等にし、granted_atは初回付与時の値を維持する。
func (r *PostgresEntitlementRepo) Grant(ctx context.Context, externalID, checkoutSessionID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entitlements (discord_id, is_premium, checkout_session_id, granted_at, updated_at)
		 VALUES ($1, TRUE, $2, $3, $3)
		 ON CONFLICT (discord_id) DO UPDATE
		 SET is_premium = TRUE,
		     checkout_session_id = EXCLUDED.checkout_session_id,
		     updated_at = EXCLUDED.updated_at`,
		externalID, checkoutSessionID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to grant entitlement: %w", err)
	}
	return nil
}

// FindByExternalID は指定Discord IDの権限を取得する。見つからない場合はnilを返す。
func (r *PostgresEntitlementRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Entitlement, error) {
	e := &model.Entitlement{}
	err := r.db.QueryRowContext(ctx,
		`SELECT discord_id, is_premium, checkout_session_id, granted_at, updated_at
		 FROM entitlements
		 WHERE discord_id = $1`,
		externalID,
	).Scan(&e.ExternalID, &e.IsPremium, &e.CheckoutSessionID, &e.GrantedAt, &e.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement: %w", err)
	}
	return e, nil
}

// compile-time interface check
var _ EntitlementRepository = (*PostgresEntitlementRepo)(nil)
