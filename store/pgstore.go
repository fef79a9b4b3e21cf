package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emberfi/dca-engine/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id               TEXT PRIMARY KEY,
	user_address     TEXT NOT NULL,
	from_token       TEXT NOT NULL,
	to_token         TEXT NOT NULL,
	amount           TEXT NOT NULL,
	interval_minutes INTEGER NOT NULL,
	duration_weeks   INTEGER NOT NULL,
	slippage         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	execution_count  INTEGER NOT NULL DEFAULT 0,
	total_executions INTEGER NOT NULL,
	next_execution   TIMESTAMPTZ,
	leased_until     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS plans_due_idx ON plans (status, next_execution);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	plan_id         TEXT REFERENCES plans(id),
	executed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	from_amount     TEXT NOT NULL DEFAULT '',
	to_amount       TEXT NOT NULL DEFAULT '',
	exchange_rate   TEXT NOT NULL DEFAULT '',
	gas_fee         TEXT,
	tx_hash         TEXT,
	status          TEXT NOT NULL,
	error_message   TEXT,
	vault_address   TEXT,
	share_tokens    TEXT,
	deposit_tx_hash TEXT
);
CREATE INDEX IF NOT EXISTS executions_plan_idx ON executions (plan_id, executed_at DESC);

CREATE TABLE IF NOT EXISTS user_vault_holdings (
	id            TEXT PRIMARY KEY,
	user_address  TEXT NOT NULL,
	vault_address TEXT NOT NULL,
	share_tokens  TEXT NOT NULL,
	token_symbol  TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_address, vault_address)
);
`

// PgStore is the Postgres PlanStore. Due-plan selection takes a row lease
// under FOR UPDATE SKIP LOCKED so concurrent schedulers never double-execute
// a plan.
type PgStore struct {
	pool *pgxpool.Pool
}

// Open connects to DATABASE_URL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect plan store: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() { s.pool.Close() }

const planColumns = `id, user_address, from_token, to_token, amount, interval_minutes,
	duration_weeks, slippage, status, execution_count, total_executions,
	next_execution, created_at, updated_at`

func scanPlan(row pgx.Row) (*core.Plan, error) {
	var p core.Plan
	var user string
	err := row.Scan(&p.ID, &user, &p.FromToken, &p.ToToken, &p.Amount, &p.IntervalMinutes,
		&p.DurationWeeks, &p.SlippagePercent, &p.Status, &p.ExecutionCount, &p.TotalExecutions,
		&p.NextExecutionAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.UserAddress = common.HexToAddress(user)
	return &p, nil
}

func (s *PgStore) Plan(ctx context.Context, id string) (*core.Plan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	return p, nil
}

func (s *PgStore) DuePlans(ctx context.Context, now time.Time, lease time.Duration) ([]*core.Plan, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin due selection: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE status = $1 AND next_execution IS NOT NULL AND next_execution <= $2
		  AND (leased_until IS NULL OR leased_until < $2)
		ORDER BY next_execution ASC
		FOR UPDATE SKIP LOCKED`, core.PlanActive, now)
	if err != nil {
		return nil, fmt.Errorf("select due plans: %w", err)
	}
	var due []*core.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due plan: %w", err)
		}
		due = append(due, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(due))
	for i, p := range due {
		ids[i] = p.ID
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE plans SET leased_until = $1 WHERE id = ANY($2)`,
			now.Add(lease), ids); err != nil {
			return nil, fmt.Errorf("lease due plans: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit due selection: %w", err)
	}
	return due, nil
}

func (s *PgStore) UpdatePlan(ctx context.Context, plan *core.Plan) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plans SET status = $2, execution_count = $3, next_execution = $4,
			leased_until = NULL, updated_at = now()
		WHERE id = $1`,
		plan.ID, plan.Status, plan.ExecutionCount, plan.NextExecutionAt)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", plan.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %s: %w", plan.ID, ErrNotFound)
	}
	return nil
}

func (s *PgStore) ReleaseLease(ctx context.Context, planID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE plans SET leased_until = NULL WHERE id = $1`, planID); err != nil {
		return fmt.Errorf("release lease on plan %s: %w", planID, err)
	}
	return nil
}

func (s *PgStore) CountActivePlans(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM plans WHERE status = $1`, core.PlanActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active plans: %w", err)
	}
	return n, nil
}

func (s *PgStore) RecordExecution(ctx context.Context, exec *core.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, plan_id, executed_at, from_amount, to_amount, exchange_rate,
			gas_fee, tx_hash, status, error_message, vault_address, share_tokens, deposit_tx_hash)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9,
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''))`,
		exec.ID, exec.PlanID, exec.ExecutedAt, exec.FromAmount, exec.ToAmount, exec.ExchangeRate,
		exec.GasFee, exec.TxHash, exec.Status, exec.ErrorMessage, exec.VaultAddress,
		exec.ShareTokens, exec.DepositTxHash)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

func (s *PgStore) LatestExecution(ctx context.Context, planID string) (*core.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(plan_id, ''), executed_at, from_amount, to_amount, exchange_rate,
			COALESCE(gas_fee, ''), COALESCE(tx_hash, ''), status, COALESCE(error_message, ''),
			COALESCE(vault_address, ''), COALESCE(share_tokens, ''), COALESCE(deposit_tx_hash, '')
		FROM executions WHERE plan_id = $1
		ORDER BY executed_at DESC LIMIT 1`, planID)
	var e core.Execution
	err := row.Scan(&e.ID, &e.PlanID, &e.ExecutedAt, &e.FromAmount, &e.ToAmount, &e.ExchangeRate,
		&e.GasFee, &e.TxHash, &e.Status, &e.ErrorMessage, &e.VaultAddress, &e.ShareTokens,
		&e.DepositTxHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("executions for plan %s: %w", planID, ErrNotFound)
		}
		return nil, fmt.Errorf("latest execution for plan %s: %w", planID, err)
	}
	return &e, nil
}

func (s *PgStore) Holding(ctx context.Context, user, vault common.Address) (*core.VaultHolding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_address, vault_address, share_tokens, token_symbol, created_at, updated_at
		FROM user_vault_holdings WHERE user_address = $1 AND vault_address = $2`,
		user.Hex(), vault.Hex())
	return scanHolding(row, user, vault)
}

func scanHolding(row pgx.Row, user, vault common.Address) (*core.VaultHolding, error) {
	var h core.VaultHolding
	var userHex, vaultHex string
	err := row.Scan(&h.ID, &userHex, &vaultHex, &h.ShareTokens, &h.TokenSymbol, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("holding %s/%s: %w", user, vault, ErrNotFound)
		}
		return nil, err
	}
	h.UserAddress = common.HexToAddress(userHex)
	h.VaultAddress = common.HexToAddress(vaultHex)
	return &h, nil
}

func (s *PgStore) AddHoldingShares(ctx context.Context, user, vault common.Address, symbol string, delta *big.Int, decimals uint8) (*core.VaultHolding, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin holding update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, user_address, vault_address, share_tokens, token_symbol, created_at, updated_at
		FROM user_vault_holdings WHERE user_address = $1 AND vault_address = $2 FOR UPDATE`,
		user.Hex(), vault.Hex())
	h, err := scanHolding(row, user, vault)
	switch {
	case errors.Is(err, ErrNotFound):
		h = &core.VaultHolding{
			ID:           uuid.NewString(),
			UserAddress:  user,
			VaultAddress: vault,
			TokenSymbol:  symbol,
			ShareTokens:  "0",
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_vault_holdings (id, user_address, vault_address, share_tokens, token_symbol)
			VALUES ($1, $2, $3, $4, $5)`,
			h.ID, user.Hex(), vault.Hex(), h.ShareTokens, symbol); err != nil {
			return nil, fmt.Errorf("insert holding: %w", err)
		}
	case err != nil:
		return nil, err
	}

	next, err := core.AddShares(h.ShareTokens, delta, decimals)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE user_vault_holdings SET share_tokens = $3, updated_at = now()
		WHERE user_address = $1 AND vault_address = $2`,
		user.Hex(), vault.Hex(), next); err != nil {
		return nil, fmt.Errorf("update holding: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit holding update: %w", err)
	}
	h.ShareTokens = next
	return h, nil
}

func (s *PgStore) SubHoldingShares(ctx context.Context, user, vault common.Address, delta *big.Int, decimals uint8) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin holding update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, user_address, vault_address, share_tokens, token_symbol, created_at, updated_at
		FROM user_vault_holdings WHERE user_address = $1 AND vault_address = $2 FOR UPDATE`,
		user.Hex(), vault.Hex())
	h, err := scanHolding(row, user, vault)
	if err != nil {
		return err
	}
	next, err := core.SubShares(h.ShareTokens, delta, decimals)
	if err != nil {
		return err
	}
	remaining, err := core.ParseUnits(next, decimals)
	if err != nil {
		return err
	}
	if remaining.Sign() == 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM user_vault_holdings WHERE user_address = $1 AND vault_address = $2`,
			user.Hex(), vault.Hex()); err != nil {
			return fmt.Errorf("delete holding: %w", err)
		}
	} else if _, err := tx.Exec(ctx, `
		UPDATE user_vault_holdings SET share_tokens = $3, updated_at = now()
		WHERE user_address = $1 AND vault_address = $2`,
		user.Hex(), vault.Hex(), next); err != nil {
		return fmt.Errorf("update holding: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit holding update: %w", err)
	}
	return nil
}
