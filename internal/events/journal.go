// Package events records pipeline activity in the SQLite journal. The journal
// is an audit trail; the registry document stays the source of truth.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deployline/internal/domain"
)

type Payload map[string]any

// ErrUnavailable is returned by queries on a journal without a database.
var ErrUnavailable = errors.New("activity journal unavailable")

// Notifier receives every event after it is committed.
type Notifier interface {
	Notify(ctx context.Context, evt domain.Event) error
}

type Journal struct {
	DB       *sql.DB
	Now      func() time.Time
	Notifier Notifier
	Logger   *slog.Logger
}

func (j *Journal) now() time.Time {
	if j.Now == nil {
		return time.Now().UTC()
	}
	return j.Now().UTC()
}

func (j *Journal) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// Append inserts one event inside tx.
func (j *Journal) Append(ctx context.Context, tx *sql.Tx, evtType, pipelineID, actorID string, payload Payload) (domain.Event, error) {
	ts := j.now()
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,pipeline_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts.Format(time.RFC3339Nano), evtType, nullable(pipelineID), actorID, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{ID: id, TS: ts, Type: evtType, PipelineID: pipelineID, ActorID: actorID, Payload: string(data)}, nil
}

// Record appends one event in its own transaction and hands it to the
// notifier. A nil Journal records nothing.
func (j *Journal) Record(ctx context.Context, evtType, pipelineID, actorID string, payload Payload) (domain.Event, error) {
	if j == nil || j.DB == nil {
		return domain.Event{}, nil
	}
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := j.Append(ctx, tx, evtType, pipelineID, actorID, payload)
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	if j.Notifier != nil {
		if err := j.Notifier.Notify(ctx, evt); err != nil {
			j.logger().Warn("event notification failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
	return evt, nil
}

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	PipelineID string
	Type       string
	// AfterID pages forward, oldest first; BeforeID pages backward.
	AfterID  int64
	BeforeID int64
	Limit    int
}

// List returns matching events, newest first unless AfterID is set, in which
// case they come oldest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	if j == nil || j.DB == nil {
		return nil, ErrUnavailable
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT id,ts,type,COALESCE(pipeline_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if f.PipelineID != "" {
		q += ` AND pipeline_id=?`
		args = append(args, f.PipelineID)
	}
	if f.Type != "" {
		q += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		q += ` AND id<?`
		args = append(args, f.BeforeID)
	}
	if f.AfterID > 0 {
		q += ` AND id>? ORDER BY id ASC`
		args = append(args, f.AfterID)
	} else {
		q += ` ORDER BY id DESC`
	}
	q += ` LIMIT ?`
	args = append(args, f.Limit)

	rows, err := j.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var (
			evt domain.Event
			ts  string
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.PipelineID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		evt.TS, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", evt.ID, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// DiscoveryRun summarizes one reconciliation pass.
type DiscoveryRun struct {
	ID           int64     `json:"id"`
	StartedAt    time.Time `json:"started_at" format:"date-time"`
	FinishedAt   time.Time `json:"finished_at" format:"date-time"`
	DryRun       bool      `json:"dry_run"`
	Created      int       `json:"created"`
	Skipped      int       `json:"skipped"`
	Unconfigured int       `json:"unconfigured"`
	Failures     int       `json:"failures"`
	Interrupted  bool      `json:"interrupted"`
}

func (j *Journal) RecordDiscoveryRun(ctx context.Context, run DiscoveryRun) (DiscoveryRun, error) {
	if j == nil || j.DB == nil {
		return run, nil
	}
	res, err := j.DB.ExecContext(ctx, `INSERT INTO discovery_runs(started_at,finished_at,dry_run,created,skipped,unconfigured,failures,interrupted) VALUES (?,?,?,?,?,?,?,?)`,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano), run.DryRun,
		run.Created, run.Skipped, run.Unconfigured, run.Failures, run.Interrupted)
	if err != nil {
		return run, err
	}
	run.ID, err = res.LastInsertId()
	return run, err
}

// DiscoveryRuns returns the newest runs first.
func (j *Journal) DiscoveryRuns(ctx context.Context, limit int) ([]DiscoveryRun, error) {
	if j == nil || j.DB == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.DB.QueryContext(ctx, `SELECT id,started_at,finished_at,dry_run,created,skipped,unconfigured,failures,interrupted FROM discovery_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DiscoveryRun
	for rows.Next() {
		var (
			r               DiscoveryRun
			started, finish string
		)
		if err := rows.Scan(&r.ID, &started, &finish, &r.DryRun, &r.Created, &r.Skipped, &r.Unconfigured, &r.Failures, &r.Interrupted); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finish); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
