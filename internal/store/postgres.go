package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the durable Store. Every Apply runs in one database transaction.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.Db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) EnsureAccounts(ctx context.Context, ids ...domain.AccountID) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(
			`INSERT INTO accounts (owner_id, account_type, constrained, balance) VALUES ($1, $2, $3, 0)
			 ON CONFLICT (account_type, owner_id) DO NOTHING`,
			id.OwnerID, int16(id.Type), id.Type.Constrained(),
		)
	}
	if err := s.Db.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr("ensure accounts", err)
	}
	return nil
}

func (s *Postgres) Balances(ctx context.Context, ids ...domain.AccountID) (map[domain.AccountID]int64, error) {
	out := make(map[domain.AccountID]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	owners := make([]string, len(ids))
	types := make([]int16, len(ids))
	for i, id := range ids {
		out[id] = 0
		owners[i] = id.OwnerID
		types[i] = int16(id.Type)
	}
	// One statement so every balance comes from the same snapshot.
	rows, err := s.Db.Query(ctx,
		`SELECT a.owner_id, a.account_type, a.balance
		   FROM accounts a
		   JOIN unnest($1::text[], $2::smallint[]) AS k(owner_id, account_type)
		     ON a.owner_id = k.owner_id AND a.account_type = k.account_type`,
		owners, types)
	if err != nil {
		return nil, mapErr("read balances", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			owner   string
			typ     int16
			balance int64
		)
		if err := rows.Scan(&owner, &typ, &balance); err != nil {
			return nil, mapErr("scan balance", err)
		}
		out[domain.AccountID{OwnerID: owner, Type: domain.AccountType(typ)}] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("read balances", err)
	}
	return out, nil
}

func (s *Postgres) Totals(ctx context.Context) (map[domain.AccountType]int64, error) {
	rows, err := s.Db.Query(ctx, "SELECT account_type, COALESCE(SUM(balance), 0)::bigint FROM accounts GROUP BY account_type")
	if err != nil {
		return nil, mapErr("read totals", err)
	}
	defer rows.Close()
	out := make(map[domain.AccountType]int64, len(domain.AccountTypes))
	for rows.Next() {
		var (
			typ   int16
			total int64
		)
		if err := rows.Scan(&typ, &total); err != nil {
			return nil, mapErr("scan totals", err)
		}
		out[domain.AccountType(typ)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("read totals", err)
	}
	return out, nil
}

const sessionColumns = `session_id, student_id, mentor_id, currency, student_locked, mentor_locked,
	mentor_released, captured_at, version, updated_at`

func scanSession(row pgx.Row) (domain.SessionHold, error) {
	var (
		h          domain.SessionHold
		capturedAt *time.Time
	)
	err := row.Scan(&h.SessionID, &h.StudentID, &h.MentorID, &h.Currency, &h.StudentLocked,
		&h.MentorLocked, &h.MentorReleased, &capturedAt, &h.Version, &h.UpdatedAt)
	if err != nil {
		return domain.SessionHold{}, err
	}
	if capturedAt != nil {
		h.CapturedAt = capturedAt.UTC()
	}
	h.UpdatedAt = h.UpdatedAt.UTC()
	return h, nil
}

func (s *Postgres) Session(ctx context.Context, sessionID string) (domain.SessionHold, bool, error) {
	h, err := scanSession(s.Db.QueryRow(ctx, "SELECT "+sessionColumns+" FROM session_holds WHERE session_id = $1", sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionHold{}, false, nil
	}
	if err != nil {
		return domain.SessionHold{}, false, mapErr("read session", err)
	}
	return h, true, nil
}

func (s *Postgres) DueSettlements(ctx context.Context, capturedBefore time.Time, limit int) ([]domain.SessionHold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		"SELECT "+sessionColumns+` FROM session_holds
		  WHERE captured_at IS NOT NULL AND captured_at <= $1 AND mentor_released < mentor_locked
		  ORDER BY captured_at, session_id LIMIT $2`,
		capturedBefore, limit)
	if err != nil {
		return nil, mapErr("read due settlements", err)
	}
	holds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SessionHold, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, mapErr("scan due settlements", err)
	}
	return holds, nil
}

// Apply writes the batch in one READ COMMITTED transaction. Constrained
// accounts are already serialized by the lock manager; balance rows are
// updated in global account order so concurrent groups touching the
// platform accounts cannot deadlock.
func (s *Postgres) Apply(ctx context.Context, b Batch) ([]domain.LedgerTransaction, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapErr("tx begin", err)
	}
	defer tx.Rollback(ctx)

	// 1. Fence on the idempotency lease.
	if c := b.Completion; c != nil {
		var token, status string
		err := tx.QueryRow(ctx,
			"SELECT lease_token, status FROM idempotency_records WHERE key = $1 FOR UPDATE", c.Key,
		).Scan(&token, &status)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, mapErr("lock idempotency record", err)
		}
		if errors.Is(err, pgx.ErrNoRows) || token != c.LeaseToken || status != string(domain.IdempotencyPending) {
			return nil, fmt.Errorf("%w: key %s", ErrLeaseLost, c.Key)
		}
	}

	// 2. Session compare-and-swap.
	if w := b.Session; w != nil {
		if err := writeSession(ctx, tx, w); err != nil {
			return nil, err
		}
	}

	// 3. Balance projections.
	net, err := applyDeltas(ctx, tx, b.Deltas)
	if err != nil {
		return nil, err
	}
	if net != 0 {
		return nil, fmt.Errorf("%w: group is unbalanced by %d", domain.ErrInvariantViolation, net)
	}

	// 4. Append the legs.
	applied := make([]domain.LedgerTransaction, len(b.Legs))
	if len(b.Legs) > 0 {
		batch := &pgx.Batch{}
		for _, leg := range b.Legs {
			batch.Queue(
				`INSERT INTO ledger_transactions (tx_id, group_id, tx_type, direction, amount, currency,
					from_owner, from_type, to_owner, to_type, user_id, counterparty_user_id, session_id,
					gateway, gateway_id, idempotency_key, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
				 RETURNING seq`,
				leg.TxID, leg.GroupID, string(leg.Type), string(leg.Direction), leg.Amount, leg.Currency,
				leg.FromAccount.OwnerID, int16(leg.FromAccount.Type), leg.ToAccount.OwnerID, int16(leg.ToAccount.Type),
				leg.UserID, leg.CounterpartyUserID, leg.SessionID, leg.Gateway, leg.GatewayID,
				leg.IdempotencyKey, leg.CreatedAt,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for i, leg := range b.Legs {
			if err := results.QueryRow().Scan(&leg.Seq); err != nil {
				results.Close()
				return nil, mapErr("append ledger leg", err)
			}
			applied[i] = leg
		}
		if err := results.Close(); err != nil {
			return nil, mapErr("append ledger legs", err)
		}
	}

	// 5. Finalize idempotency & commit.
	if c := b.Completion; c != nil {
		_, err := tx.Exec(ctx,
			`UPDATE idempotency_records
			    SET status = $2, result_tx_ids = $3, applied_at = $4, expires_at = $5, failure = ''
			  WHERE key = $1`,
			c.Key, string(domain.IdempotencyApplied), c.ResultTxIDs, c.AppliedAt, c.ExpiresAt)
		if err != nil {
			return nil, mapErr("complete idempotency record", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr("tx commit", err)
	}
	return applied, nil
}

func writeSession(ctx context.Context, tx pgx.Tx, w *SessionWrite) error {
	h := w.Hold
	var (
		tag pgconn.CommandTag
		err error
	)
	if w.PrevVersion == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO session_holds (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
			 ON CONFLICT (session_id) DO NOTHING`,
			h.SessionID, h.StudentID, h.MentorID, h.Currency, h.StudentLocked, h.MentorLocked,
			h.MentorReleased, nullTime(h.CapturedAt), h.UpdatedAt)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE session_holds
			    SET mentor_id = $3, student_locked = $4, mentor_locked = $5, mentor_released = $6,
			        captured_at = $7, updated_at = $8, version = version + 1
			  WHERE session_id = $1 AND version = $2`,
			h.SessionID, w.PrevVersion, h.MentorID, h.StudentLocked, h.MentorLocked,
			h.MentorReleased, nullTime(h.CapturedAt), h.UpdatedAt)
	}
	if err != nil {
		return mapErr("write session", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: session %s changed", domain.ErrConcurrentModification, h.SessionID)
	}
	return nil
}

// applyDeltas upserts each touched account once, in lock order, and returns
// the signed net of the group.
func applyDeltas(ctx context.Context, tx pgx.Tx, deltas []domain.Delta) (int64, error) {
	sums := make(map[domain.AccountID]int64, len(deltas))
	var net int64
	for _, d := range deltas {
		sums[d.Account] += d.Amount
		net += d.Amount * d.Account.Type.Sign()
	}
	ids := make([]domain.AccountID, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, id := range ids {
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (owner_id, account_type, constrained, balance) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (account_type, owner_id)
			 DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()`,
			id.OwnerID, int16(id.Type), id.Type.Constrained(), sums[id])
		if err != nil {
			return 0, mapErr("update balance "+id.String(), err)
		}
	}
	return net, nil
}

const legColumns = `seq, tx_id, group_id, tx_type, direction, amount, currency, from_owner, from_type,
	to_owner, to_type, user_id, counterparty_user_id, session_id, gateway, gateway_id, idempotency_key, created_at`

func scanLeg(row pgx.CollectableRow) (domain.LedgerTransaction, error) {
	var (
		t                 domain.LedgerTransaction
		txType, direction string
		fromType, toType  int16
	)
	err := row.Scan(&t.Seq, &t.TxID, &t.GroupID, &txType, &direction, &t.Amount, &t.Currency,
		&t.FromAccount.OwnerID, &fromType, &t.ToAccount.OwnerID, &toType, &t.UserID,
		&t.CounterpartyUserID, &t.SessionID, &t.Gateway, &t.GatewayID, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	t.Type = domain.TxType(txType)
	t.Direction = domain.Direction(direction)
	t.FromAccount.Type = domain.AccountType(fromType)
	t.ToAccount.Type = domain.AccountType(toType)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *Postgres) queryLegs(ctx context.Context, op, sql string, args ...any) ([]domain.LedgerTransaction, error) {
	rows, err := s.Db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	legs, err := pgx.CollectRows(rows, scanLeg)
	if err != nil {
		return nil, mapErr(op, err)
	}
	return legs, nil
}

func (s *Postgres) TransactionsByID(ctx context.Context, txIDs []string) ([]domain.LedgerTransaction, error) {
	if len(txIDs) == 0 {
		return nil, nil
	}
	legs, err := s.queryLegs(ctx, "read transactions",
		"SELECT "+legColumns+" FROM ledger_transactions WHERE tx_id = ANY($1)", txIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.LedgerTransaction, len(legs))
	for _, leg := range legs {
		byID[leg.TxID] = leg
	}
	out := make([]domain.LedgerTransaction, 0, len(txIDs))
	for _, id := range txIDs {
		leg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: transaction %s referenced but missing", domain.ErrInvariantViolation, id)
		}
		out = append(out, leg)
	}
	return out, nil
}

func (s *Postgres) SessionTransactions(ctx context.Context, sessionID string) ([]domain.LedgerTransaction, error) {
	return s.queryLegs(ctx, "read session transactions",
		"SELECT "+legColumns+" FROM ledger_transactions WHERE session_id = $1 ORDER BY seq", sessionID)
}

func (s *Postgres) History(ctx context.Context, f domain.HistoryFilter) ([]domain.LedgerTransaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		p := arg(f.UserID)
		where = append(where, "(user_id = "+p+" OR counterparty_user_id = "+p+")")
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < "+arg(f.To))
	}
	if f.Before > 0 {
		where = append(where, "seq < "+arg(f.Before))
	}

	sql := "SELECT " + legColumns + " FROM ledger_transactions"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY seq DESC LIMIT " + arg(clampLimit(f.Limit))
	return s.queryLegs(ctx, "read history", sql, args...)
}

const idempotencyColumns = `key, fingerprint, status, lease_token, lease_expires_at, result_tx_ids,
	failure, attempts, created_at, applied_at, expires_at`

func scanIdempotency(row pgx.Row) (domain.IdempotencyRecord, error) {
	var (
		rec       domain.IdempotencyRecord
		status    string
		appliedAt *time.Time
	)
	err := row.Scan(&rec.Key, &rec.Fingerprint, &status, &rec.LeaseToken, &rec.LeaseExpiresAt,
		&rec.ResultTxIDs, &rec.Failure, &rec.Attempts, &rec.CreatedAt, &appliedAt, &rec.ExpiresAt)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	if appliedAt != nil {
		rec.AppliedAt = appliedAt.UTC()
	}
	rec.LeaseExpiresAt = rec.LeaseExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func (s *Postgres) InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO idempotency_records (key, fingerprint, status, lease_token, lease_expires_at,
			attempts, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Fingerprint, string(rec.Status), rec.LeaseToken, rec.LeaseExpiresAt,
		rec.Attempts, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return domain.IdempotencyRecord{}, false, mapErr("reserve idempotency key", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	existing, found, err := s.IdempotencyRecord(ctx, rec.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	if !found {
		// Purged between the insert and the read; the caller polls again.
		return domain.IdempotencyRecord{}, false, fmt.Errorf("%w: idempotency key %s vanished", domain.ErrConcurrentModification, rec.Key)
	}
	return existing, false, nil
}

func (s *Postgres) ReclaimIdempotency(ctx context.Context, key, prevToken string, next domain.IdempotencyRecord) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency_records
		    SET status = $3, lease_token = $4, lease_expires_at = $5, attempts = $6,
		        failure = '', result_tx_ids = '{}', applied_at = NULL, expires_at = $7, fingerprint = $8
		  WHERE key = $1 AND lease_token = $2 AND status <> 'applied'`,
		key, prevToken, string(next.Status), next.LeaseToken, next.LeaseExpiresAt, next.Attempts, next.ExpiresAt, next.Fingerprint)
	if err != nil {
		return false, mapErr("reclaim idempotency key", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) FailIdempotency(ctx context.Context, key, token, reason string, at, expiresAt time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency_records
		    SET status = 'failed', failure = $3, lease_expires_at = $4, expires_at = $5
		  WHERE key = $1 AND lease_token = $2 AND status = 'pending'`,
		key, token, reason, at, expiresAt)
	if err != nil {
		return false, mapErr("fail idempotency key", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) PurgeIdempotency(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.Db.Exec(ctx,
		`DELETE FROM idempotency_records
		  WHERE key IN (
		        SELECT key FROM idempotency_records
		         WHERE status <> 'pending' AND expires_at <= $1
		         LIMIT $2)`,
		cutoff, limit)
	if err != nil {
		return 0, mapErr("purge idempotency keys", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) IdempotencyRecord(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	rec, err := scanIdempotency(s.Db.QueryRow(ctx, "SELECT "+idempotencyColumns+" FROM idempotency_records WHERE key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, mapErr("read idempotency key", err)
	}
	return rec, true, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// mapErr translates driver errors into the domain taxonomy.
func mapErr(op string, err error) error {
	if domain.KindOf(err) != domain.KindPersistence || errors.Is(err, domain.ErrPersistence) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %s", domain.ErrConcurrentModification, op, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s: %s", domain.ErrInsufficientFunds, op, pgErr.ConstraintName)
		case "23505":
			return fmt.Errorf("%w: %s: %s", ErrDuplicateLeg, op, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)
