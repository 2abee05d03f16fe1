package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"journeygate/internal/domain"
)

const journeyColumns = `id,user_id,state,context_json,version,created_at,updated_at`

func scanJourney(row interface{ Scan(...any) error }) (domain.Journey, error) {
	var j domain.Journey
	var ctxJSON string
	if err := row.Scan(&j.ID, &j.UserID, &j.State, &ctxJSON, &j.Version, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return j, ErrNotFound
		}
		return j, err
	}
	if err := json.Unmarshal([]byte(ctxJSON), &j.Context); err != nil {
		return j, fmt.Errorf("journey %s context: %w", j.ID, err)
	}
	return j, nil
}

func (r Repo) InsertJourney(ctx context.Context, tx *sql.Tx, j domain.Journey) error {
	data, err := json.Marshal(j.Context)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO journeys(id,user_id,state,context_json,escalated_to_agent,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, string(j.State), string(data), boolInt(j.Context.EscalatedToAgent), j.Version, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJourney(ctx context.Context, tx *sql.Tx, id string) (domain.Journey, error) {
	return scanJourney(r.q(tx).QueryRowContext(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE id=?`, id))
}

func (r Repo) GetJourneyByUser(ctx context.Context, tx *sql.Tx, userID string) (domain.Journey, error) {
	return scanJourney(r.q(tx).QueryRowContext(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE user_id=?`, userID))
}

// UpdateJourney writes j if the stored version still equals j.Version and
// bumps the version. A mismatch yields ErrConcurrentModification.
func (r Repo) UpdateJourney(ctx context.Context, tx *sql.Tx, j domain.Journey) (domain.Journey, error) {
	data, err := json.Marshal(j.Context)
	if err != nil {
		return j, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE journeys SET state=?, context_json=?, escalated_to_agent=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		string(j.State), string(data), boolInt(j.Context.EscalatedToAgent), j.UpdatedAt, j.ID, j.Version)
	if err != nil {
		return j, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return j, err
	}
	if n == 0 {
		if _, err := r.GetJourney(ctx, tx, j.ID); err != nil {
			return j, err
		}
		return j, domain.ConflictError("journey", j.ID)
	}
	j.Version++
	return j, nil
}

type JourneyFilters struct {
	State     string
	Escalated *bool
	Limit     int
}

func (r Repo) ListJourneys(ctx context.Context, f JourneyFilters) ([]domain.Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	if f.Escalated != nil {
		query += ` AND escalated_to_agent=?`
		args = append(args, boolInt(*f.Escalated))
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
