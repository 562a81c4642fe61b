package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/paystream/fraud-engine/internal/models"
)

var (
	ErrDecisionNotFound = errors.New("decision not found")
)

// DecisionRepository persists and queries fraud_decisions rows. The table's
// primary key is the transaction id, which doubles as the pipeline's
// idempotency key.
type DecisionRepository struct {
	db *Database
}

// NewDecisionRepository creates a new decision repository.
func NewDecisionRepository(db *Database) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Exists reports whether a decision was already recorded for the
// transaction. This is the idempotency gate's fast path.
func (r *DecisionRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fraud_decisions WHERE transaction_id = $1)`,
		transactionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check decision existence: %w", err)
	}
	return exists, nil
}

// Insert records a decision. A primary-key conflict is an accepted no-op:
// under concurrent reprocessing the first writer wins and every later writer
// observes idempotent success.
func (r *DecisionRepository) Insert(ctx context.Context, d *models.Decision) error {
	query := `
		INSERT INTO fraud_decisions (
			transaction_id, user_id, decision, score, reasons_csv, latency_ms, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	_, err := r.db.Pool.Exec(ctx, query,
		d.TransactionID,
		d.UserID,
		d.Decision,
		d.Score,
		joinReasons(d.Reasons),
		d.LatencyMs,
		d.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// GetByTransactionID retrieves a single decision.
func (r *DecisionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Decision, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT transaction_id, user_id, decision, score, reasons_csv, latency_ms, evaluated_at
		FROM fraud_decisions
		WHERE transaction_id = $1
	`, transactionID)

	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListFilter narrows List queries. Zero values mean "no filter".
type ListFilter struct {
	UserID   string
	Decision string
	Page     int
	PageSize int
}

// List returns decisions ordered by evaluated_at descending, with the total
// matching count for pagination.
func (r *DecisionRepository) List(ctx context.Context, f ListFilter) ([]*models.Decision, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}

	where := "TRUE"
	args := []interface{}{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = fmt.Sprintf("user_id = $%d", len(args))
	} else if f.Decision != "" {
		args = append(args, strings.ToUpper(f.Decision))
		where = fmt.Sprintf("decision = $%d", len(args))
	}

	var total int64
	countQuery := "SELECT COUNT(*) FROM fraud_decisions WHERE " + where
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count decisions: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query := fmt.Sprintf(`
		SELECT transaction_id, user_id, decision, score, reasons_csv, latency_ms, evaluated_at
		FROM fraud_decisions
		WHERE %s
		ORDER BY evaluated_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return nil, 0, err
	}
	return decisions, total, nil
}

// ListHighRisk returns REVIEW and BLOCK decisions, newest first.
func (r *DecisionRepository) ListHighRisk(ctx context.Context, page, pageSize int) ([]*models.Decision, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT transaction_id, user_id, decision, score, reasons_csv, latency_ms, evaluated_at
		FROM fraud_decisions
		WHERE decision IN ($1, $2)
		ORDER BY evaluated_at DESC
		LIMIT $3 OFFSET $4
	`, models.DecisionReview, models.DecisionBlock, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list high-risk decisions: %w", err)
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// UserStats aggregates a user's decision history.
func (r *DecisionRepository) UserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	stats := &models.UserStats{UserID: userID}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE decision = 'ALLOW'),
			COUNT(*) FILTER (WHERE decision = 'REVIEW'),
			COUNT(*) FILTER (WHERE decision = 'BLOCK'),
			COALESCE(AVG(score), 0)
		FROM fraud_decisions
		WHERE user_id = $1
	`, userID).Scan(
		&stats.TotalDecisions,
		&stats.AllowCount,
		&stats.ReviewCount,
		&stats.BlockCount,
		&stats.AverageScore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate user stats: %w", err)
	}

	if stats.TotalDecisions > 0 {
		stats.RiskRate = float64(stats.ReviewCount+stats.BlockCount) / float64(stats.TotalDecisions) * 100
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT transaction_id, user_id, decision, score, reasons_csv, latency_ms, evaluated_at
		FROM fraud_decisions
		WHERE user_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 10
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent decisions: %w", err)
	}
	defer rows.Close()

	stats.Recent, err = scanDecisions(rows)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*models.Decision, error) {
	d := &models.Decision{}
	var reasonsCSV string
	if err := row.Scan(
		&d.TransactionID,
		&d.UserID,
		&d.Decision,
		&d.Score,
		&reasonsCSV,
		&d.LatencyMs,
		&d.EvaluatedAt,
	); err != nil {
		return nil, err
	}
	d.Reasons = splitReasons(reasonsCSV)
	return d, nil
}

func scanDecisions(rows pgx.Rows) ([]*models.Decision, error) {
	var decisions []*models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Reasons are stored pipe-delimited in a TEXT column.

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "|")
}

func splitReasons(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, "|")
}
