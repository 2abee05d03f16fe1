package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"journeygate/internal/domain"
)

const actionColumns = `id,journey_id,user_id,type,description,description_ja,params_json,nominal_permission_level,permission_level,escalation_reasons_json,status,created_at,resolved_at,resolved_by,version`

func scanAction(row interface{ Scan(...any) error }) (domain.ActionRequest, error) {
	var a domain.ActionRequest
	var journeyID, userID, reasons, resolvedAt, resolvedBy sql.NullString
	var params string
	err := row.Scan(&a.ID, &journeyID, &userID, &a.Type, &a.Description, &a.DescriptionJa, &params,
		&a.NominalPermissionLevel, &a.PermissionLevel, &reasons, &a.Status, &a.CreatedAt, &resolvedAt, &resolvedBy, &a.Version)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.JourneyID = journeyID.String
	a.UserID = userID.String
	a.Params = json.RawMessage(params)
	a.ResolvedAt = optionalString(resolvedAt)
	a.ResolvedBy = optionalString(resolvedBy)
	if a.EscalationReasons, err = unmarshalStrings(reasons); err != nil {
		return a, fmt.Errorf("action %s escalation reasons: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) InsertActionRequest(ctx context.Context, tx *sql.Tx, a domain.ActionRequest) error {
	reasons, err := marshalStrings(a.EscalationReasons)
	if err != nil {
		return err
	}
	params := string(a.Params)
	if params == "" {
		params = "{}"
	}
	if a.Version == 0 {
		a.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO action_requests(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.JourneyID), nullable(a.UserID), a.Type, a.Description, a.DescriptionJa, params,
		string(a.NominalPermissionLevel), string(a.PermissionLevel), reasons, string(a.Status), a.CreatedAt,
		nullableStringPtr(a.ResolvedAt), nullableStringPtr(a.ResolvedBy), a.Version)
	return err
}

func (r Repo) GetActionRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ActionRequest, error) {
	return scanAction(r.q(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_requests WHERE id=?`, id))
}

// SwapActionRequest stores next only if the row still has expected's status
// and version. This is the compare-and-swap behind approve, deny, gating and
// result recording.
func (r Repo) SwapActionRequest(ctx context.Context, tx *sql.Tx, expected, next domain.ActionRequest) (domain.ActionRequest, error) {
	reasons, err := marshalStrings(next.EscalationReasons)
	if err != nil {
		return next, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE action_requests
SET permission_level=?, escalation_reasons_json=?, status=?, resolved_at=?, resolved_by=?, version=version+1
WHERE id=? AND status=? AND version=?`,
		string(next.PermissionLevel), reasons, string(next.Status), nullableStringPtr(next.ResolvedAt), nullableStringPtr(next.ResolvedBy),
		expected.ID, string(expected.Status), expected.Version)
	if err != nil {
		return next, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return next, err
	}
	if n == 0 {
		if _, err := r.GetActionRequest(ctx, tx, expected.ID); err != nil {
			return next, err
		}
		return next, domain.ConflictError("action request", expected.ID)
	}
	next.Version = expected.Version + 1
	return next, nil
}

type ActionFilters struct {
	JourneyID string
	UserID    string
	Status    []domain.ActionStatus
	Type      string
	Limit     int
	Offset    int
}

func (r Repo) ListActionRequests(ctx context.Context, tx *sql.Tx, f ActionFilters) ([]domain.ActionRequest, error) {
	query := `SELECT ` + actionColumns + ` FROM action_requests WHERE 1=1`
	var args []any
	if f.JourneyID != "" {
		query += ` AND journey_id=?`
		args = append(args, f.JourneyID)
	}
	if f.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if len(f.Status) > 0 {
		query += ` AND status IN (`
		for i, s := range f.Status {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	if f.Limit <= 0 {
		f.Limit = 200
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	return r.queryActions(ctx, r.q(tx), query, args...)
}

// ListStalePending returns pending requests created before cutoff (RFC3339).
func (r Repo) ListStalePending(ctx context.Context, cutoff string, limit int) ([]domain.ActionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryActions(ctx, r.DB, `SELECT `+actionColumns+` FROM action_requests WHERE status='pending' AND created_at<=? ORDER BY created_at LIMIT ?`, cutoff, limit)
}

func (r Repo) queryActions(ctx context.Context, q Queryer, query string, args ...any) ([]domain.ActionRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActionRequest
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertActionResult stores the single result of an executed request.
func (r Repo) InsertActionResult(ctx context.Context, tx *sql.Tx, res domain.ActionResult) error {
	var result any
	if len(res.Result) > 0 {
		result = string(res.Result)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO action_results(action_id,success,result_json,error,executed_at) VALUES (?,?,?,?,?)`,
		res.ActionID, boolInt(res.Success), result, nullable(res.Error), res.ExecutedAt)
	return err
}

func (r Repo) GetActionResult(ctx context.Context, tx *sql.Tx, actionID string) (domain.ActionResult, error) {
	var res domain.ActionResult
	var success int
	var result, errText sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT action_id,success,result_json,error,executed_at FROM action_results WHERE action_id=?`, actionID).
		Scan(&res.ActionID, &success, &result, &errText, &res.ExecutedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.Success = success == 1
	if result.Valid {
		res.Result = json.RawMessage(result.String)
	}
	res.Error = errText.String
	return res, nil
}
