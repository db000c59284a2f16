package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const codeColumns = `id, business_id, points_value, discount_percent, is_active, scan_limit, current_scans`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		retryDelays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.retryDelays) {
			break
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. Транзакция целиком повторяется при временных ошибках.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*model.RedeemableCode, error) {
	var (
		c        model.RedeemableCode
		discount *int32
		limit    *int32
		scans    int32
	)
	if err := row.Scan(&c.ID, &c.BusinessID, &c.PointsValue, &discount, &c.IsActive, &limit, &scans); err != nil {
		return nil, err
	}
	if discount != nil {
		v := int(*discount)
		c.DiscountPercent = &v
	}
	if limit != nil {
		v := int(*limit)
		c.ScanLimit = &v
	}
	c.CurrentScans = int(scans)
	return &c, nil
}

// GetCode возвращает код по идентификатору.
func (r *PostgresRepository) GetCode(ctx context.Context, id string) (*model.RedeemableCode, error) {
	c, err := scanCode(r.pool.QueryRow(ctx, `SELECT `+codeColumns+` FROM codes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get code: %w", err)
	}
	return c, nil
}

// GetBusiness возвращает заведение по идентификатору.
func (r *PostgresRepository) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	var b model.Business
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM businesses WHERE id = $1`, id).Scan(&b.ID, &b.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}
	return &b, nil
}

// FindScanByIdempotencyKey возвращает событие сканирования, записанное с указанным ключом.
func (r *PostgresRepository) FindScanByIdempotencyKey(ctx context.Context, key string) (*model.ScanEvent, error) {
	var ev model.ScanEvent
	var discount *int32
	err := r.pool.QueryRow(ctx,
		`SELECT id, code_id, business_id, customer_id, points_awarded, discount_applied, idempotency_key, created_at
		 FROM scan_events
		 WHERE idempotency_key = $1`,
		key,
	).Scan(&ev.ID, &ev.CodeID, &ev.BusinessID, &ev.CustomerID, &ev.PointsAwarded, &discount, &ev.IdempotencyKey, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find scan event: %w", err)
	}
	if discount != nil {
		v := int(*discount)
		ev.DiscountApplied = &v
	}
	return &ev, nil
}

// GetBalance возвращает баланс клиента в заведении.
func (r *PostgresRepository) GetBalance(ctx context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error) {
	b := model.LoyaltyBalance{CustomerID: customerID, BusinessID: businessID}
	err := r.pool.QueryRow(ctx,
		`SELECT points, updated_at FROM loyalty_balances WHERE customer_id = $1 AND business_id = $2`,
		customerID, businessID,
	).Scan(&b.Points, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// RecentScans возвращает последние сканирования клиента, начиная с самых новых.
func (r *PostgresRepository) RecentScans(ctx context.Context, customerID uuid.UUID, limit int) ([]model.RecentScanRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.name, e.points_awarded, e.created_at
		 FROM scan_events e
		 JOIN businesses b ON b.id = e.business_id
		 WHERE e.customer_id = $1
		 ORDER BY e.created_at DESC
		 LIMIT $2`,
		customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent scans: %w", err)
	}
	defer rows.Close()

	var res []model.RecentScanRecord
	for rows.Next() {
		var rec model.RecentScanRecord
		if err := rows.Scan(&rec.BusinessName, &rec.PointsEarned, &rec.ScannedAt); err != nil {
			return nil, fmt.Errorf("scan recent scan: %w", err)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// FindMismatches возвращает пары (клиент, заведение), у которых баланс не равен сумме начислений по событиям.
func (r *PostgresRepository) FindMismatches(ctx context.Context) ([]model.Mismatch, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT lb.customer_id, lb.business_id, lb.points, COALESCE(SUM(e.points_awarded), 0)
		 FROM loyalty_balances lb
		 LEFT JOIN scan_events e ON e.customer_id = lb.customer_id AND e.business_id = lb.business_id
		 GROUP BY lb.customer_id, lb.business_id, lb.points
		 HAVING lb.points <> COALESCE(SUM(e.points_awarded), 0)
		 UNION ALL
		 SELECT e.customer_id, e.business_id, 0, SUM(e.points_awarded)
		 FROM scan_events e
		 WHERE e.customer_id IS NOT NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM loyalty_balances lb
		       WHERE lb.customer_id = e.customer_id AND lb.business_id = e.business_id)
		 GROUP BY e.customer_id, e.business_id
		 HAVING SUM(e.points_awarded) <> 0`,
	)
	if err != nil {
		return nil, fmt.Errorf("select mismatches: %w", err)
	}
	defer rows.Close()

	var res []model.Mismatch
	for rows.Next() {
		var m model.Mismatch
		if err := rows.Scan(&m.CustomerID, &m.BusinessID, &m.Balance, &m.EventsTotal); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) EnsureCode(ctx context.Context, code *model.RedeemableCode) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO codes (id, business_id, points_value, discount_percent, is_active, scan_limit)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		code.ID, code.BusinessID, code.PointsValue, code.DiscountPercent, code.IsActive, code.ScanLimit,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%w: business %s", ErrNotFound, code.BusinessID)
		}
		return fmt.Errorf("ensure code: %w", err)
	}
	return nil
}

// IncrementScans выполняет условный UPDATE. Блокировка строки кода удерживается до конца транзакции,
// поэтому параллельные погашения одного кода выстраиваются в очередь.
func (t *pgTx) IncrementScans(ctx context.Context, codeID string) (int, error) {
	var scans int32
	err := t.tx.QueryRow(ctx,
		`UPDATE codes
		 SET current_scans = current_scans + 1
		 WHERE id = $1
		   AND is_active
		   AND (scan_limit IS NULL OR current_scans < scan_limit)
		 RETURNING current_scans`,
		codeID,
	).Scan(&scans)
	if err == nil {
		return int(scans), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("increment scans: %w", err)
	}

	c, err := scanCode(t.tx.QueryRow(ctx, `SELECT `+codeColumns+` FROM codes WHERE id = $1`, codeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("reload code: %w", err)
	}
	if !c.IsActive {
		return 0, ErrCodeInactive
	}
	return 0, ErrLimitReached
}

func (t *pgTx) CountRedemptions(ctx context.Context, codeID string, customerID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM scan_events WHERE code_id = $1 AND customer_id = $2`,
		codeID, customerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertScanEvent(ctx context.Context, ev *model.ScanEvent) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO scan_events (id, code_id, business_id, customer_id, points_awarded, discount_applied, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		ev.ID, ev.CodeID, ev.BusinessID, ev.CustomerID, ev.PointsAwarded, ev.DiscountApplied, ev.IdempotencyKey,
	).Scan(&ev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return ErrDuplicateIdempotencyKey
			case pgerrcode.ForeignKeyViolation:
				return fmt.Errorf("%w: code %s", ErrNotFound, ev.CodeID)
			}
		}
		return fmt.Errorf("insert scan event: %w", err)
	}
	return nil
}

func (t *pgTx) CreditBalance(ctx context.Context, customerID uuid.UUID, businessID string, amount int64) (int64, error) {
	var points int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO loyalty_balances (customer_id, business_id, points, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (customer_id, business_id)
		 DO UPDATE SET points = loyalty_balances.points + EXCLUDED.points, updated_at = now()
		 RETURNING points`,
		customerID, businessID, amount,
	).Scan(&points)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return points, nil
}
