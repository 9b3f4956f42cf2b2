// Package schedule answers which practice windows a doctor holds on a given
// weekday.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/clinic-queue/internal/clock"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Lookup returns a doctor's windows for a weekday ordered by start time. No
// schedule is an empty slice, not an error.
type Lookup interface {
	Windows(ctx context.Context, doctorID int64, day time.Weekday) ([]clock.Window, error)
}

type PostgresLookup struct {
	pool *pgxpool.Pool
}

func NewPostgresLookup(pool *pgxpool.Pool) *PostgresLookup {
	return &PostgresLookup{pool: pool}
}

func (l *PostgresLookup) Windows(ctx context.Context, doctorID int64, day time.Weekday) ([]clock.Window, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT start_time, end_time
		FROM doctor_schedules
		WHERE doctor_id = $1 AND day_of_week = $2
		ORDER BY start_time ASC
	`, doctorID, int(day))
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var windows []clock.Window
	for rows.Next() {
		var start, end pgtype.Time
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		if !start.Valid || !end.Valid {
			continue
		}
		windows = append(windows, clock.Window{Start: minutesOf(start), End: minutesOf(end)})
	}
	return windows, rows.Err()
}

func minutesOf(t pgtype.Time) int {
	return int(t.Microseconds / int64(time.Minute/time.Microsecond))
}

// Static is an in-memory schedule table.
type Static struct {
	mu      sync.RWMutex
	windows map[int64]map[time.Weekday][]clock.Window
}

func NewStatic() *Static {
	return &Static{windows: make(map[int64]map[time.Weekday][]clock.Window)}
}

func (s *Static) Add(doctorID int64, day time.Weekday, w clock.Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.windows[doctorID]
	if !ok {
		days = make(map[time.Weekday][]clock.Window)
		s.windows[doctorID] = days
	}
	list := append(days[day], w)
	sort.Slice(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	days[day] = list
}

func (s *Static) Windows(ctx context.Context, doctorID int64, day time.Weekday) ([]clock.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.windows[doctorID][day]
	out := make([]clock.Window, len(list))
	copy(out, list)
	return out, nil
}
