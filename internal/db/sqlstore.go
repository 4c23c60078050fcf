package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// conn is the narrow query surface shared by the pgx pool and database/sql.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args ...any) (rowsScanner, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type rowsScanner interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

// dialect captures the differences between the two backends.
type dialect struct {
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// timeArg converts a timestamp into a bind argument.
	timeArg func(time.Time) any
	// isNoRows reports the backend's "no rows" error.
	isNoRows func(error) bool
	// isUniqueViolation reports a unique constraint failure.
	isUniqueViolation func(error) bool
}

// sqlStore implements Store on top of a conn and a dialect.
type sqlStore struct {
	c conn
	d dialect
}

const jobColumns = `id, user_id, filename, query, status, created_at, completed_at,
	verification, financial_analysis, investment_analysis, risk_assessment,
	error_message, document_path`

const userColumns = `id, email, name, password_hash, created_at`

// rebind rewrites ? placeholders into $n for dialects that number them.
func (s *sqlStore) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	return s.c.exec(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) rowScanner {
	return s.c.queryRow(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (rowsScanner, error) {
	return s.c.query(ctx, s.rebind(q), args...)
}

// now is the store clock. Postgres keeps microseconds, so both backends truncate there.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CreateJob inserts a pending job.
func (s *sqlStore) CreateJob(ctx context.Context, in NewJob) (*Job, error) {
	job := &Job{
		ID:           uuid.New(),
		UserID:       in.UserID,
		Filename:     in.Filename,
		Query:        in.Query,
		Status:       StatusPending,
		CreatedAt:    now(),
		DocumentPath: in.DocumentPath,
	}

	_, err := s.exec(ctx,
		`INSERT INTO analysis_jobs (id, user_id, filename, query, status, created_at, document_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, uuidArg(job.UserID), job.Filename, job.Query, string(job.Status),
		s.d.timeArg(job.CreatedAt), job.DocumentPath,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetJob returns the job or (nil, nil) when absent.
func (s *sqlStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if s.d.isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns matching jobs, newest first.
func (s *sqlStore) ListJobs(ctx context.Context, f JobFilters) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs`
	var where []string
	var args []any
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob moves a pending job to processing. It reports false when the job
// is absent or already past pending.
func (s *sqlStore) ClaimJob(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE analysis_jobs SET status = 'processing' WHERE id = ? AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return n == 1, nil
}

// SaveStageResult fills one stage slot of a processing job. A slot is written at most once.
func (s *sqlStore) SaveStageResult(ctx context.Context, id uuid.UUID, stage string, value json.RawMessage) error {
	col, ok := stageColumns[stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if value == nil {
		return nil
	}

	n, err := s.exec(ctx,
		`UPDATE analysis_jobs SET `+col+` = ?
		 WHERE id = ? AND status = 'processing' AND `+col+` IS NULL`,
		jsonArg(value), id,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s result: %w", stage, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: cannot save %s result for job %s", ErrInvalidTransition, stage, id)
	}
	return nil
}

// CompleteJob fills any still-empty slots from results and marks the job completed.
func (s *sqlStore) CompleteJob(ctx context.Context, id uuid.UUID, results map[string]json.RawMessage) error {
	for stage := range results {
		if _, ok := stageColumns[stage]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
		}
	}

	n, err := s.exec(ctx,
		`UPDATE analysis_jobs SET
			verification = COALESCE(verification, ?),
			financial_analysis = COALESCE(financial_analysis, ?),
			investment_analysis = COALESCE(investment_analysis, ?),
			risk_assessment = COALESCE(risk_assessment, ?),
			status = 'completed',
			completed_at = ?
		 WHERE id = ? AND status = 'processing'`,
		jsonArg(results[SlotVerification]),
		jsonArg(results[SlotFinancialAnalysis]),
		jsonArg(results[SlotInvestmentAnalysis]),
		jsonArg(results[SlotRiskAssessment]),
		s.d.timeArg(now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: cannot complete job %s", ErrInvalidTransition, id)
	}
	return nil
}

// FailJob marks a processing job failed with the given message.
func (s *sqlStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	n, err := s.exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', error_message = ?, completed_at = ?
		 WHERE id = ? AND status = 'processing'`,
		message, s.d.timeArg(now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: cannot fail job %s", ErrInvalidTransition, id)
	}
	return nil
}

// CreateUser inserts a user. A duplicate email yields ErrEmailTaken.
func (s *sqlStore) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	user := &User{
		ID:           uuid.New(),
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now(),
	}

	_, err := s.exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, user.PasswordHash, s.d.timeArg(user.CreatedAt),
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser returns the user or (nil, nil) when absent.
func (s *sqlStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail returns the user or (nil, nil) when absent.
func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (s *sqlStore) getUser(ctx context.Context, q string, arg any) (*User, error) {
	var u User
	var created timestamp
	err := s.queryRow(ctx, q, arg).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &created)
	if err != nil {
		if s.d.isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = created.Time
	return &u, nil
}

// CountJobsByUser returns how many jobs reference the user.
func (s *sqlStore) CountJobsByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM analysis_jobs WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                       Job
		userID                  uuid.NullUUID
		status                  string
		created, completed      timestamp
		verification, financial []byte
		investment, risk        []byte
		errorMessage            *string
	)
	err := row.Scan(
		&j.ID, &userID, &j.Filename, &j.Query, &status, &created, &completed,
		&verification, &financial, &investment, &risk,
		&errorMessage, &j.DocumentPath,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		id := userID.UUID
		j.UserID = &id
	}
	j.Status = JobStatus(status)
	j.CreatedAt = created.Time
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	j.Verification = rawJSON(verification)
	j.FinancialAnalysis = rawJSON(financial)
	j.InvestmentAnalysis = rawJSON(investment)
	j.RiskAssessment = rawJSON(risk)
	j.ErrorMessage = errorMessage
	return &j, nil
}

func rawJSON(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	return json.RawMessage(b)
}

func jsonArg(v json.RawMessage) any {
	if v == nil {
		return nil
	}
	return string(v)
}

func uuidArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

// timestampLayout is fixed-width so stored text sorts chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// timestamp scans TIMESTAMPTZ values from pgx and TEXT values from SQLite.
type timestamp struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = timestamp{}
		return nil
	case time.Time:
		*t = timestamp{Time: v.UTC(), Valid: true}
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *timestamp) parse(s string) error {
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	*t = timestamp{Time: parsed.UTC(), Valid: true}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
