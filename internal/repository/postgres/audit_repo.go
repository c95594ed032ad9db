package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver

	"github.com/datablogin/entropy-playground/internal/audit"
)

// AuditRepo persists audit batches into the audit_events table.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

// Ping verifies the connection; the constructor defers this so callers
// control the timeout.
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	const numFields = 8
	var sb strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	// One multi-row insert per batch.
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		p := i * numFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)

		detail, _ := json.Marshal(e.Detail)
		vals = append(vals,
			e.ID, e.AgentID, string(e.Type), e.From, e.To, detail, e.Error, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_events (id, agent_id, event_type, from_state, to_state, detail, error, timestamp) VALUES %s",
		sb.String(),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
