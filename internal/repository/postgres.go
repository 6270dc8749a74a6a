// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
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
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrBusinessExists возвращается при попытке создать заведение с занятым логином.
var (
	ErrBusinessExists = errors.New("business already exists")
	// ErrBusinessNotFound возвращается, если заведение не найдено.
	ErrBusinessNotFound = errors.New("business not found")
	// ErrScheduleNotFound возвращается, если расписание не найдено у заведения.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrVoucherNotFound возвращается, если купон не найден.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrMaxUsesReached возвращается при попытке погасить исчерпанный купон.
	ErrMaxUsesReached = errors.New("voucher max uses reached")
	// ErrDuplicateScan возвращается при повторной фиксации того же сканирования.
	ErrDuplicateScan = errors.New("duplicate scan")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
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

	r := &PostgresRepository{pool: pool}

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

// withRetry повторяет операцию при ошибках сериализации, дедлоках
// и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateBusiness создаёт новый аккаунт заведения.
func (r *PostgresRepository) CreateBusiness(ctx context.Context, login string, passwordHash []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO business_accounts (id, login, password_hash) VALUES ($1, $2, $3)`,
		id, login, passwordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrBusinessExists, login)
		}
		return uuid.Nil, fmt.Errorf("create business: %w", err)
	}
	return id, nil
}

// GetBusinessByLogin возвращает аккаунт заведения по логину.
func (r *PostgresRepository) GetBusinessByLogin(ctx context.Context, login string) (*model.Business, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM business_accounts WHERE login = $1`,
		login,
	)

	var b model.Business
	err := row.Scan(&b.ID, &b.Login, &b.PasswordHash, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}

	return &b, nil
}

// CreateSchedule сохраняет новое расписание выпуска купонов.
func (r *PostgresRepository) CreateSchedule(ctx context.Context, s *model.VoucherSchedule) error {
	template, err := json.Marshal(s.Template)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	details, err := json.Marshal(s.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO voucher_schedules
		 (id, business_id, schedule_name, voucher_template, recurrence_pattern, recurrence_details, is_active, next_trigger_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.BusinessID, s.ScheduleName, template, string(s.Pattern), details, s.IsActive, s.NextTriggerAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}

	return nil
}

// ListSchedules возвращает расписания заведения, новые первыми.
func (r *PostgresRepository) ListSchedules(ctx context.Context, businessID uuid.UUID) ([]model.VoucherSchedule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, business_id, schedule_name, voucher_template, recurrence_pattern, recurrence_details,
		        is_active, next_trigger_at, last_triggered_at, created_at
		 FROM voucher_schedules
		 WHERE business_id = $1
		 ORDER BY created_at DESC`,
		businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("select schedules: %w", err)
	}
	defer rows.Close()

	var res []model.VoucherSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanSchedule(row pgx.Row) (*model.VoucherSchedule, error) {
	var (
		s        model.VoucherSchedule
		pattern  string
		template []byte
		details  []byte
	)

	err := row.Scan(&s.ID, &s.BusinessID, &s.ScheduleName, &template, &pattern, &details,
		&s.IsActive, &s.NextTriggerAt, &s.LastTriggeredAt, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.Pattern = model.RecurrencePattern(pattern)
	if err := json.Unmarshal(template, &s.Template); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	if err := json.Unmarshal(details, &s.Details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}

	return &s, nil
}

// ToggleSchedule переключает активность расписания заведения.
// NextTriggerAt намеренно не меняется: возобновлённое расписание
// срабатывает по устаревшему времени, не пропуская цикл.
func (r *PostgresRepository) ToggleSchedule(ctx context.Context, id, businessID uuid.UUID) (*model.VoucherSchedule, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE voucher_schedules
		 SET is_active = NOT is_active
		 WHERE id = $1 AND business_id = $2
		 RETURNING id, business_id, schedule_name, voucher_template, recurrence_pattern, recurrence_details,
		           is_active, next_trigger_at, last_triggered_at, created_at`,
		id, businessID,
	)

	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("toggle schedule: %w", err)
	}

	return s, nil
}

// DeleteSchedule удаляет расписание заведения. Уже выпущенные купоны
// живут независимо и не затрагиваются.
func (r *PostgresRepository) DeleteSchedule(ctx context.Context, id, businessID uuid.UUID) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM voucher_schedules WHERE id = $1 AND business_id = $2`,
		id, businessID,
	)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// GetDueScheduleIDs возвращает идентификаторы активных расписаний,
// чьё время срабатывания уже наступило.
func (r *PostgresRepository) GetDueScheduleIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT id
			 FROM voucher_schedules
			 WHERE is_active AND next_trigger_at <= $1
			 ORDER BY next_trigger_at
			 LIMIT $2`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("select due schedules: %w", err)
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan schedule id: %w", err)
			}
			ids = append(ids, id)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// NextTriggerFunc вычисляет следующий момент срабатывания расписания.
type NextTriggerFunc func(pattern model.RecurrencePattern, details model.RecurrenceDetails, now time.Time) time.Time

// MaterializeSchedule выпускает купон по расписанию в одной транзакции:
// захватывает строку расписания, создаёт купон и сдвигает время
// следующего срабатывания. Возвращает nil без ошибки, если расписание
// уже не следует выпускать (захвачено параллельным проходом, выключено
// или ещё не наступило).
func (r *PostgresRepository) MaterializeSchedule(ctx context.Context, id uuid.UUID, now time.Time, nextFn NextTriggerFunc) (*model.Voucher, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// SKIP LOCKED не даёт двум параллельным проходам выпустить купон
	// по одному и тому же расписанию.
	row := tx.QueryRow(ctx,
		`SELECT id, business_id, schedule_name, voucher_template, recurrence_pattern, recurrence_details,
		        is_active, next_trigger_at, last_triggered_at, created_at
		 FROM voucher_schedules
		 WHERE id = $1 AND is_active AND next_trigger_at <= $2
		 FOR UPDATE SKIP LOCKED`,
		id, now,
	)

	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim schedule: %w", err)
	}

	v := &model.Voucher{
		ID:                uuid.New(),
		BusinessID:        s.BusinessID,
		Title:             s.Template.Title,
		VoucherType:       s.Template.VoucherType,
		DiscountValue:     s.Template.DiscountValue,
		MinPurchaseAmount: s.Template.MinPurchaseAmount,
		MaxUses:           s.Template.MaxUses,
		CurrentUses:       0,
		StartDate:         now,
		EndDate:           now.AddDate(0, 0, s.Template.DurationDays),
		IsActive:          true,
	}
	if s.Template.Description != "" {
		d := s.Template.Description
		v.Description = &d
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO business_vouchers
		 (id, business_id, title, description, voucher_type, discount_value, min_purchase_amount,
		  max_uses, current_uses, start_date, end_date, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.BusinessID, v.Title, v.Description, string(v.VoucherType), v.DiscountValue,
		v.MinPurchaseAmount, v.MaxUses, v.CurrentUses, v.StartDate, v.EndDate, v.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("insert voucher: %w", err)
	}

	next := nextFn(s.Pattern, s.Details, now)

	_, err = tx.Exec(ctx,
		`UPDATE voucher_schedules
		 SET next_trigger_at = $2, last_triggered_at = $3
		 WHERE id = $1`,
		s.ID, next, now,
	)
	if err != nil {
		return nil, fmt.Errorf("advance schedule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return v, nil
}

// CreateVoucher сохраняет купон, созданный заведением вручную.
func (r *PostgresRepository) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO business_vouchers
		 (id, business_id, title, description, voucher_type, discount_value, min_purchase_amount,
		  max_uses, current_uses, start_date, end_date, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.BusinessID, v.Title, v.Description, string(v.VoucherType), v.DiscountValue,
		v.MinPurchaseAmount, v.MaxUses, v.CurrentUses, v.StartDate, v.EndDate, v.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}

	return nil
}

func scanVoucher(row pgx.Row) (*model.Voucher, error) {
	var (
		v           model.Voucher
		voucherType string
	)

	err := row.Scan(&v.ID, &v.BusinessID, &v.Title, &v.Description, &voucherType, &v.DiscountValue,
		&v.MinPurchaseAmount, &v.MaxUses, &v.CurrentUses, &v.StartDate, &v.EndDate, &v.IsActive, &v.CreatedAt)
	if err != nil {
		return nil, err
	}

	v.VoucherType = model.VoucherType(voucherType)
	return &v, nil
}

const voucherColumns = `id, business_id, title, description, voucher_type, discount_value,
	min_purchase_amount, max_uses, current_uses, start_date, end_date, is_active, created_at`

// GetVoucher возвращает купон по идентификатору.
func (r *PostgresRepository) GetVoucher(ctx context.Context, id uuid.UUID) (*model.Voucher, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+voucherColumns+` FROM business_vouchers WHERE id = $1`,
		id,
	)

	v, err := scanVoucher(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVoucherNotFound
		}
		return nil, fmt.Errorf("get voucher: %w", err)
	}

	return v, nil
}

// ListVouchers возвращает купоны заведения, новые первыми.
func (r *PostgresRepository) ListVouchers(ctx context.Context, businessID uuid.UUID) ([]model.Voucher, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+voucherColumns+`
		 FROM business_vouchers
		 WHERE business_id = $1
		 ORDER BY created_at DESC`,
		businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("select vouchers: %w", err)
	}
	defer rows.Close()

	var res []model.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan voucher: %w", err)
		}
		res = append(res, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetVoucherActive выставляет активность купона заведения.
func (r *PostgresRepository) SetVoucherActive(ctx context.Context, id, businessID uuid.UUID, active bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE business_vouchers SET is_active = $3 WHERE id = $1 AND business_id = $2`,
		id, businessID, active,
	)
	if err != nil {
		return fmt.Errorf("set voucher active: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrVoucherNotFound
	}

	return nil
}

// RedeemVoucher фиксирует погашение купона: вставка записи об использовании
// и инкремент счётчика выполняются в одной транзакции под блокировкой
// строки купона. Повторное сканирование с тем же nonce отклоняется.
func (r *PostgresRepository) RedeemVoucher(ctx context.Context, voucherID uuid.UUID, userEmail *string, amountSaved decimal.Decimal, nonce string, usedAt time.Time) (*model.VoucherUsage, error) {
	var usage *model.VoucherUsage

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			maxUses     *int
			currentUses int
		)
		err = tx.QueryRow(ctx,
			`SELECT max_uses, current_uses FROM business_vouchers WHERE id = $1 FOR UPDATE`,
			voucherID,
		).Scan(&maxUses, &currentUses)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrVoucherNotFound
			}
			return fmt.Errorf("lock voucher: %w", err)
		}

		if maxUses != nil && currentUses >= *maxUses {
			return ErrMaxUsesReached
		}

		u := &model.VoucherUsage{
			ID:          uuid.New(),
			VoucherID:   voucherID,
			UserEmail:   userEmail,
			UsedAt:      usedAt,
			AmountSaved: amountSaved,
		}

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO voucher_usage (id, voucher_id, user_email, used_at, amount_saved, scan_nonce)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (voucher_id, scan_nonce) DO NOTHING`,
			u.ID, u.VoucherID, u.UserEmail, u.UsedAt, u.AmountSaved, nonce,
		)
		if err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return ErrDuplicateScan
		}

		_, err = tx.Exec(ctx,
			`UPDATE business_vouchers SET current_uses = current_uses + 1 WHERE id = $1`,
			voucherID,
		)
		if err != nil {
			return fmt.Errorf("increment uses: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		usage = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	return usage, nil
}

// GetVoucherUsage возвращает историю погашений купона заведения, новые первыми.
func (r *PostgresRepository) GetVoucherUsage(ctx context.Context, voucherID, businessID uuid.UUID) ([]model.VoucherUsage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.voucher_id, u.user_email, u.used_at, u.amount_saved
		 FROM voucher_usage u
		 JOIN business_vouchers v ON v.id = u.voucher_id
		 WHERE u.voucher_id = $1 AND v.business_id = $2
		 ORDER BY u.used_at DESC`,
		voucherID, businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("select usage: %w", err)
	}
	defer rows.Close()

	var res []model.VoucherUsage
	for rows.Next() {
		var u model.VoucherUsage
		if err := rows.Scan(&u.ID, &u.VoucherID, &u.UserEmail, &u.UsedAt, &u.AmountSaved); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetScannerMode возвращает режим сканера заведения. По умолчанию — тестовый.
func (r *PostgresRepository) GetScannerMode(ctx context.Context, businessID uuid.UUID) (model.ScannerMode, error) {
	var mode string
	err := r.pool.QueryRow(ctx,
		`SELECT mode FROM scanner_settings WHERE business_id = $1`,
		businessID,
	).Scan(&mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModeTest, nil
		}
		return "", fmt.Errorf("get scanner mode: %w", err)
	}

	return model.ScannerMode(mode), nil
}

// SetScannerMode сохраняет режим сканера заведения.
func (r *PostgresRepository) SetScannerMode(ctx context.Context, businessID uuid.UUID, mode model.ScannerMode) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO scanner_settings (business_id, mode, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (business_id) DO UPDATE SET mode = EXCLUDED.mode, updated_at = now()`,
		businessID, string(mode),
	)
	if err != nil {
		return fmt.Errorf("set scanner mode: %w", err)
	}

	return nil
}
