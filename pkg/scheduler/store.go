// Package scheduler runs cron and one-shot schedules for whitelisted event
// classes, backed by a durable sqlite job store.
package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kairon-chat/kairon/pkg/domain/event"
)

// Job is one persisted schedule plus its execution bookkeeping.
type Job struct {
	EventID  string
	Class    event.Class
	CronExp  string
	RunAt    *time.Time
	Timezone string
	Data     map[string]string
	// NextFire is the next planned execution in UTC.
	NextFire time.Time
	// LastFire is the previous execution, zero when never fired.
	LastFire time.Time
}

// Entry converts the job back to its domain schedule shape.
func (j *Job) Entry() *event.ScheduleEntry {
	return &event.ScheduleEntry{
		EventID:  j.EventID,
		Class:    j.Class,
		CronExp:  j.CronExp,
		RunAt:    j.RunAt,
		Timezone: j.Timezone,
		Data:     j.Data,
	}
}

// Store persists jobs in sqlite so schedules survive restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the job store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS schedule_jobs (
	event_id  TEXT PRIMARY KEY,
	class     TEXT NOT NULL,
	cron_exp  TEXT NOT NULL DEFAULT '',
	run_at    INTEGER,
	timezone  TEXT NOT NULL,
	data      TEXT NOT NULL DEFAULT '',
	next_fire INTEGER NOT NULL,
	last_fire INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts or atomically replaces a job.
func (s *Store) Put(job *Job) error {
	data := ""
	if len(job.Data) > 0 {
		raw, err := json.Marshal(job.Data)
		if err != nil {
			return err
		}
		data = string(raw)
	}
	var runAt interface{}
	if job.RunAt != nil {
		runAt = job.RunAt.UTC().Unix()
	}
	_, err := s.db.Exec(`
INSERT INTO schedule_jobs (event_id, class, cron_exp, run_at, timezone, data, next_fire, last_fire)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
	class = excluded.class, cron_exp = excluded.cron_exp,
	run_at = excluded.run_at, timezone = excluded.timezone,
	data = excluded.data, next_fire = excluded.next_fire,
	last_fire = excluded.last_fire`,
		job.EventID, string(job.Class), job.CronExp, runAt, job.Timezone,
		data, job.NextFire.UTC().Unix(), job.LastFire.UTC().Unix())
	return err
}

// Get loads one job; sql.ErrNoRows when absent.
func (s *Store) Get(eventID string) (*Job, error) {
	row := s.db.QueryRow(`
SELECT event_id, class, cron_exp, run_at, timezone, data, next_fire, last_fire
FROM schedule_jobs WHERE event_id = ?`, eventID)
	return scanJob(row)
}

// Delete removes a job; deleting an absent job is not an error.
func (s *Store) Delete(eventID string) error {
	_, err := s.db.Exec(`DELETE FROM schedule_jobs WHERE event_id = ?`, eventID)
	return err
}

// Due lists jobs whose next fire time is at or before now.
func (s *Store) Due(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`
SELECT event_id, class, cron_exp, run_at, timezone, data, next_fire, last_fire
FROM schedule_jobs WHERE next_fire <= ? ORDER BY next_fire`, now.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var class, data string
	var runAt sql.NullInt64
	var nextFire, lastFire int64
	err := row.Scan(&job.EventID, &class, &job.CronExp, &runAt,
		&job.Timezone, &data, &nextFire, &lastFire)
	if err != nil {
		return nil, err
	}
	job.Class = event.Class(class)
	if runAt.Valid {
		t := time.Unix(runAt.Int64, 0).UTC()
		job.RunAt = &t
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &job.Data); err != nil {
			return nil, err
		}
	}
	job.NextFire = time.Unix(nextFire, 0).UTC()
	if lastFire > 0 {
		job.LastFire = time.Unix(lastFire, 0).UTC()
	}
	return &job, nil
}
