package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// List page sizes.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Repository defines job history persistence.
type Repository interface {
	// Start inserts a job in progress.
	Start(ctx context.Context, job *Job) error

	// Finish records the end of a job: status, end time, durations and the
	// last known progress.
	Finish(ctx context.Context, job *Job) error

	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Totals(ctx context.Context) (*Totals, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int, error)

	// MarkInterrupted closes every job still in progress, as left behind by a
	// restart during a print. It returns how many were closed.
	MarkInterrupted(ctx context.Context, at time.Time) (int, error)
}

// SQLiteRepository stores jobs in the job_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `job_id, filename, status, start_time, end_time, print_duration,
	total_duration, paused_duration, total_layers, progress, filament_used, metadata`

// Start inserts job with status in_progress.
func (r *SQLiteRepository) Start(ctx context.Context, job *Job) error {
	if job.ID == "" || job.StartTime.IsZero() {
		return fmt.Errorf("%w: id and start time are required", ErrInvalidJob)
	}
	job.Status = StatusInProgress

	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO job_history (job_id, filename, status, start_time, total_layers, progress, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Filename, string(job.Status), unixSeconds(job.StartTime),
		job.TotalLayers, job.Progress, meta,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// Finish updates the row for job with its final values.
func (r *SQLiteRepository) Finish(ctx context.Context, job *Job) error {
	if job.EndTime == nil {
		return fmt.Errorf("%w: end time is required", ErrInvalidJob)
	}

	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE job_history SET
			filename = ?, status = ?, end_time = ?, print_duration = ?, total_duration = ?,
			paused_duration = ?, total_layers = ?, progress = ?, filament_used = ?, metadata = ?
		 WHERE job_id = ?`,
		job.Filename, string(job.Status), unixSeconds(*job.EndTime),
		job.PrintDuration.Seconds(), job.TotalDuration.Seconds(), job.PausedDuration.Seconds(),
		job.TotalLayers, job.Progress, job.FilamentUsed, meta,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	return expectRow(res, job.ID)
}

// Get returns one job.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM job_history WHERE job_id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs matching the filter ordered by start time.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	filter.Limit = min(filter.Limit, maxLimit)
	filter.Offset = max(filter.Offset, 0)

	var conditions []string
	var args []any
	if !filter.Before.IsZero() {
		conditions = append(conditions, "start_time < ?")
		args = append(args, unixSeconds(filter.Before))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "start_time > ?")
		args = append(args, unixSeconds(filter.Since))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	order := "DESC"
	if filter.Order == OrderAsc {
		order = "ASC"
	}

	countQuery := "SELECT COUNT(*) FROM job_history " + where //nolint:gosec // WHERE built from parameterised conditions
	var count int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE and ORDER are fixed fragments
		"SELECT %s FROM job_history %s ORDER BY start_time %s LIMIT ? OFFSET ?",
		jobColumns, where, order,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}

	return &ListResult{Count: count, Jobs: jobs}, nil
}

// Totals aggregates the completed jobs.
func (r *SQLiteRepository) Totals(ctx context.Context) (*Totals, error) {
	var (
		count                                    int
		total, printTime, filament, longJob, lpr float64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(total_duration), 0),
			COALESCE(SUM(print_duration), 0),
			COALESCE(SUM(filament_used), 0),
			COALESCE(MAX(total_duration), 0),
			COALESCE(MAX(print_duration), 0)
		FROM job_history
		WHERE status = ?`, string(StatusCompleted),
	).Scan(&count, &total, &printTime, &filament, &longJob, &lpr)
	if err != nil {
		return nil, fmt.Errorf("totalling jobs: %w", err)
	}

	return &Totals{
		TotalJobs:      count,
		TotalTime:      seconds(total),
		TotalPrintTime: seconds(printTime),
		TotalFilament:  filament,
		LongestJob:     seconds(longJob),
		LongestPrint:   seconds(lpr),
	}, nil
}

// Delete removes one job.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM job_history WHERE job_id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return expectRow(res, id)
}

// DeleteAll removes every job and returns how many were removed.
func (r *SQLiteRepository) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM job_history")
	if err != nil {
		return 0, fmt.Errorf("deleting jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// MarkInterrupted closes jobs left in progress.
func (r *SQLiteRepository) MarkInterrupted(ctx context.Context, at time.Time) (int, error) {
	end := unixSeconds(at)
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_history SET
			status = ?, end_time = ?,
			total_duration = MAX(? - start_time, 0),
			print_duration = MAX(? - start_time - paused_duration, 0)
		 WHERE status = ?`,
		string(StatusInterrupted), end, end, end, string(StatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job                           Job
		status, meta                  string
		start                         float64
		end                           sql.NullFloat64
		printDur, totalDur, pausedDur float64
	)
	err := s.Scan(&job.ID, &job.Filename, &status, &start, &end,
		&printDur, &totalDur, &pausedDur,
		&job.TotalLayers, &job.Progress, &job.FilamentUsed, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	job.Status = Status(status)
	job.StartTime = fromUnix(start)
	if end.Valid {
		t := fromUnix(end.Float64)
		job.EndTime = &t
	}
	job.PrintDuration = seconds(printDur)
	job.TotalDuration = seconds(totalDur)
	job.PausedDuration = seconds(pausedDur)

	job.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshalling job metadata: %w", err)
	}
	return string(b), nil
}

// Times are stored as fractional Unix seconds, the format clients expect.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromUnix(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6))).UTC()
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
