package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listTrackedCurrenciesSQL = `SELECT code, name, tracked
    FROM currencies
    WHERE tracked
    ORDER BY code;`

	existingRecordIDsSQL = `SELECT id FROM currency_records WHERE currency_code = $1;`

	insertRecordSQL = `INSERT INTO currency_records (id, currency_code, ts, value)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (id) DO NOTHING;`

	queryRecordWindowSQL = `SELECT id, currency_code, ts, value
    FROM currency_records
    WHERE currency_code = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts DESC;`

	listRecentRecordsSQL = `SELECT id, currency_code, ts, value
    FROM currency_records
    ORDER BY ts DESC
    LIMIT $1;`

	latestRecordValuesSQL = `SELECT DISTINCT ON (currency_code) id, currency_code, ts, value
    FROM currency_records
    ORDER BY currency_code, ts DESC;`

	listRulesSQL = `SELECT id, currency_code, alert_type, threshold, is_sent_to_user, last_evaluated_at, created_at
    FROM alert_rules
    ORDER BY created_at;`

	upsertRuleSQL = `INSERT INTO alert_rules (id, currency_code, alert_type, threshold)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (currency_code, alert_type) DO UPDATE
    SET threshold       = EXCLUDED.threshold,
        is_sent_to_user = FALSE
    RETURNING id, currency_code, alert_type, threshold, is_sent_to_user, last_evaluated_at, created_at;`

	deleteRuleSQL = `DELETE FROM alert_rules WHERE currency_code = $1 AND alert_type = $2;`

	markRuleSentSQL = `UPDATE alert_rules
    SET is_sent_to_user = TRUE, last_evaluated_at = now()
    WHERE id = $1;`
)

// CurrencyStore lists the instruments the sync cycle should cover.
type CurrencyStore interface {
	ListTracked(ctx context.Context) ([]Currency, error)
}

// RecordStore defines operations for currency record persistence.
type RecordStore interface {
	ExistingIDs(ctx context.Context, code string) (map[string]struct{}, error)
	BulkInsert(ctx context.Context, records []CurrencyRecord) error
	QueryWindow(ctx context.Context, code string, from, to time.Time) ([]CurrencyRecord, error)
	LatestValues(ctx context.Context) ([]CurrencyRecord, error)
}

// RuleStore defines operations for alert rule persistence.
type RuleStore interface {
	ListRules(ctx context.Context) ([]AlertRule, error)
	UpsertRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	DeleteRule(ctx context.Context, code string, alertType AlertType) error
	MarkSent(ctx context.Context, id uuid.UUID) error
}

// Store aggregates access to currencies, records, and alert rules.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListTracked returns the currencies flagged for synchronization.
func (s *Store) ListTracked(ctx context.Context) ([]Currency, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTrackedCurrenciesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tracked currencies: %w", queryErr)
	}
	defer rows.Close()

	currencies := make([]Currency, 0)
	for rows.Next() {
		var c Currency
		if err := rows.Scan(&c.Code, &c.Name, &c.Tracked); err != nil {
			return nil, err
		}
		currencies = append(currencies, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return currencies, nil
}

// ExistingIDs loads the set of stored record ids for one currency.
func (s *Store) ExistingIDs(ctx context.Context, code string) (map[string]struct{}, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, existingRecordIDsSQL, code)
	if queryErr != nil {
		return nil, fmt.Errorf("existing record ids: %w", queryErr)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// BulkInsert writes a batch of records. Conflicting ids are skipped so a
// partially failed batch is safely re-ingestible.
func (s *Store) BulkInsert(ctx context.Context, records []CurrencyRecord) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertRecordSQL, rec.ID, rec.Currency, rec.Timestamp, rec.Value.String())
	}

	results := pool.SendBatch(ctx, batch)
	for range records {
		if _, execErr := results.Exec(); execErr != nil {
			_ = results.Close()
			return fmt.Errorf("bulk insert records: %w", execErr)
		}
	}
	return results.Close()
}

// QueryWindow lists one currency's records within [from, to), newest first.
func (s *Store) QueryWindow(ctx context.Context, code string, from, to time.Time) ([]CurrencyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, queryRecordWindowSQL, code, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("query record window: %w", queryErr)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListRecentRecords lists the most recent records across all currencies.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]CurrencyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRecordsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent records: %w", queryErr)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// LatestValues returns the newest stored record per currency.
func (s *Store) LatestValues(ctx context.Context) ([]CurrencyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestRecordValuesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("latest record values: %w", queryErr)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListRules lists all alert rules in store order.
func (s *Store) ListRules(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// UpsertRule inserts or replaces the rule for (currency, type). A replaced
// rule resets its sent flag.
func (s *Store) UpsertRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	id := rule.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := pool.QueryRow(ctx, upsertRuleSQL, id.String(), rule.Currency, string(rule.Type), rule.Threshold.String())
	stored, scanErr := scanRule(row)
	if scanErr != nil {
		return AlertRule{}, fmt.Errorf("upsert alert rule: %w", scanErr)
	}
	return stored, nil
}

// DeleteRule removes the rule for (currency, type).
func (s *Store) DeleteRule(ctx context.Context, code string, alertType AlertType) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteRuleSQL, code, string(alertType))
	if execErr != nil {
		return fmt.Errorf("delete alert rule: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkSent flips the fire-once flag for a triggered rule.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markRuleSentSQL, id.String())
	if execErr != nil {
		return fmt.Errorf("mark alert rule sent: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]CurrencyRecord, error) {
	records := make([]CurrencyRecord, 0)
	for rows.Next() {
		var (
			rec      CurrencyRecord
			valueStr string
		)
		if err := rows.Scan(&rec.ID, &rec.Currency, &rec.Timestamp, &valueStr); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse record value: %w", convErr)
		}
		rec.Value = value
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRule(row pgx.Row) (AlertRule, error) {
	var (
		rule         AlertRule
		idStr        string
		alertType    string
		thresholdStr string
	)
	if err := row.Scan(&idStr, &rule.Currency, &alertType, &thresholdStr, &rule.SentToUser, &rule.LastEvaluatedAt, &rule.CreatedAt); err != nil {
		return AlertRule{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse rule id: %w", err)
	}
	rule.ID = id
	rule.Type = AlertType(alertType)

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse rule threshold: %w", err)
	}
	rule.Threshold = threshold

	return rule, nil
}

var (
	_ CurrencyStore = (*Store)(nil)
	_ RecordStore   = (*Store)(nil)
	_ RuleStore     = (*Store)(nil)
)
