package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
	"github.com/kostush/purchase-gateway-sub005/pkg/database"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// DB is the part of a pgx pool the repository uses. *pgxpool.Pool and
// pgxmock pools both satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ReconciliationRepository implements repository.ReconciliationRepository
// using PostgreSQL.
type ReconciliationRepository struct {
	db DB
}

func NewReconciliationRepository(db DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// Record inserts e and fills in its id and creation time.
func (r *ReconciliationRepository) Record(ctx context.Context, e *repository.ReconciliationEntry) (err error) {
	ctx, end := database.TraceOp(ctx, database.SystemPostgres, "RecordReconciliation", "INSERT purchase_reconciliations")
	defer func() { end(err) }()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO purchase_reconciliations (
			session_id, state, submit_number, biller, transaction_ids, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err = r.db.QueryRow(ctx, query,
		e.SessionID.String(),
		string(e.State),
		e.SubmitNumber,
		string(e.Biller),
		transactionStrings(e.Transactions),
		e.Reason,
		e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert reconciliation entry: %w", err)
	}
	return nil
}

// ListOpen returns unresolved entries, oldest first.
func (r *ReconciliationRepository) ListOpen(ctx context.Context, limit int) (_ []repository.ReconciliationEntry, err error) {
	ctx, end := database.TraceOp(ctx, database.SystemPostgres, "ListOpenReconciliations", "SELECT purchase_reconciliations")
	defer func() { end(err) }()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, state, submit_number, biller, transaction_ids, reason, created_at, resolved_at
		FROM purchase_reconciliations
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query open reconciliations: %w", err)
	}
	defer rows.Close()

	var entries []repository.ReconciliationEntry
	for rows.Next() {
		var (
			e         repository.ReconciliationEntry
			sessionID string
			state     string
			biller    string
			txIDs     []string
		)
		if err := rows.Scan(&e.ID, &sessionID, &state, &e.SubmitNumber, &biller, &txIDs, &e.Reason, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation entry: %w", err)
		}
		if e.SessionID, err = domain.ParseSessionID(sessionID); err != nil {
			return nil, fmt.Errorf("reconciliation entry %d: %w", e.ID, err)
		}
		e.State = domain.State(state)
		e.Biller = domain.Biller(biller)
		for _, raw := range txIDs {
			id, err := domain.ParseTransactionID(raw)
			if err != nil {
				return nil, fmt.Errorf("reconciliation entry %d: %w", e.ID, err)
			}
			e.Transactions = append(e.Transactions, id)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconciliation entries: %w", err)
	}
	return entries, nil
}

// Resolve marks an entry as handled. Resolving twice is a NotFound.
func (r *ReconciliationRepository) Resolve(ctx context.Context, id int64) (err error) {
	ctx, end := database.TraceOp(ctx, database.SystemPostgres, "ResolveReconciliation", "UPDATE purchase_reconciliations")
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx,
		`UPDATE purchase_reconciliations SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve reconciliation entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("reconciliation entry", strconv.FormatInt(id, 10))
	}
	return nil
}

func transactionStrings(ids []domain.TransactionID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

var _ repository.ReconciliationRepository = (*ReconciliationRepository)(nil)
