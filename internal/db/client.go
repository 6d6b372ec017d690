// Package db persists progress events and final reports to SQLite. Writes
// ride an async queue so the event bus and orchestrator never block on disk.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    stage      TEXT,
    message    TEXT,
    payload    TEXT,
    ts         TIMESTAMP NOT NULL,
    UNIQUE (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_event_logs_run ON event_logs (run_id, seq);

CREATE TABLE IF NOT EXISTS reports (
    run_id     TEXT PRIMARY KEY,
    query_text TEXT NOT NULL,
    partial    INTEGER NOT NULL,
    body       TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// Client wraps the SQLite handle plus the async event writer.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan events.Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens (and migrates) the database at path and starts the writer.
func Open(path string, logger *zap.Logger) (*Client, error) {
	handle, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	c := &Client{
		db:     handle,
		logger: logger,
		queue:  make(chan events.Event, 1024),
		stopCh: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writer()
	return c, nil
}

// Append enqueues an event for persistence. Implements events.Sink. Drops on
// a full queue rather than blocking the publisher.
func (c *Client) Append(evt events.Event) {
	select {
	case c.queue <- evt:
	default:
		c.logger.Warn("Event persistence queue full, dropping event",
			zap.String("run_id", evt.RunID),
			zap.Uint64("seq", evt.Seq),
		)
	}
}

func (c *Client) writer() {
	defer c.wg.Done()
	for {
		select {
		case evt := <-c.queue:
			c.insertEvent(evt)
		case <-c.stopCh:
			// Drain what is already queued, then stop.
			for {
				select {
				case evt := <-c.queue:
					c.insertEvent(evt)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) insertEvent(evt events.Event) {
	payload, _ := json.Marshal(evt)
	_, err := c.db.Exec(`
        INSERT INTO event_logs (run_id, seq, type, stage, message, payload, ts)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (run_id, seq) DO NOTHING`,
		evt.RunID, evt.Seq, string(evt.Type), evt.Stage, evt.Message, string(payload), evt.TS,
	)
	if err != nil {
		c.logger.Warn("Failed to persist event",
			zap.String("run_id", evt.RunID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
	}
}

// SaveReport persists a final report.
func (c *Client) SaveReport(ctx context.Context, report *models.ResearchReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	partial := 0
	if report.Partial {
		partial = 1
	}
	_, err = c.db.ExecContext(ctx, `
        INSERT INTO reports (run_id, query_text, partial, body, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (run_id) DO UPDATE SET body = excluded.body, partial = excluded.partial`,
		report.RunID.String(), report.Query.Text, partial, string(body), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// LoadReport fetches a persisted report by run ID.
func (c *Client) LoadReport(ctx context.Context, runID string) (*models.ResearchReport, error) {
	var body string
	if err := c.db.GetContext(ctx, &body, `SELECT body FROM reports WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	var report models.ResearchReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return &report, nil
}

// EventHistory returns persisted events for a run in seq order, for replay
// beyond the in-memory ring.
func (c *Client) EventHistory(ctx context.Context, runID string, sinceSeq uint64) ([]events.Event, error) {
	rows, err := c.db.QueryxContext(ctx, `
        SELECT payload FROM event_logs WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close stops the writer and closes the database.
func (c *Client) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.db.Close()
}
