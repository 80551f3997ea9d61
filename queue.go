package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ActionState is the replay state of a queued action.
type ActionState string

const (
	// ActionPending actions are eligible for replay once their backoff gate
	// passes.
	ActionPending ActionState = "pending"
	// ActionDead actions exhausted MaxReplayAttempts. They are retained for
	// inspection, never silently dropped.
	ActionDead ActionState = "dead"
)

// OfflineAction is a mutating request the hosting application failed to send
// while offline. The hosting application decides when a mutation has failed
// due to connectivity and enqueues it; the engine only replays. Idempotency
// of replay is the hosting application's responsibility, since a sync
// trigger may fire more than once before success is confirmed.
type OfflineAction struct {
	ID            string      `json:"id"`
	RequestKey    string      `json:"request_key"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	State         ActionState `json:"state"`
}

// ErrNotMutating is returned when a safe request is offered to the queue.
var ErrNotMutating = errors.New("only mutating requests are queued")

// ActionQueue is the durable store of failed mutations, drained by the sync
// coordinator.
type ActionQueue struct {
	reg   *Registry
	cfg   QueueConfig
	log   *slog.Logger
	stats *EngineStats
}

// NewActionQueue creates the queue on top of the registry's database.
func NewActionQueue(reg *Registry, cfg QueueConfig, log *slog.Logger, stats *EngineStats) *ActionQueue {
	if cfg.MaxReplayAttempts <= 0 {
		cfg.MaxReplayAttempts = 8
	}
	if cfg.ReplayBackoff <= 0 {
		cfg.ReplayBackoff = 30 * time.Second
	}
	if cfg.MaxReplayBackoff <= 0 {
		cfg.MaxReplayBackoff = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &ActionQueue{reg: reg, cfg: cfg, log: log, stats: stats}
}

// Enqueue persists a failed mutation for later replay.
func (q *ActionQueue) Enqueue(ctx context.Context, method, url string, headers http.Header, body []byte) (OfflineAction, error) {
	if err := q.reg.checkOpen(); err != nil {
		return OfflineAction{}, err
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return OfflineAction{}, ErrNotMutating
	}

	action := OfflineAction{
		ID:         uuid.NewString(),
		RequestKey: method + " " + url,
		Method:     method,
		URL:        url,
		Headers:    headers,
		EnqueuedAt: time.Now(),
		State:      ActionPending,
	}

	headersRaw, err := json.Marshal(headers)
	if err != nil {
		return OfflineAction{}, fmt.Errorf("failed to marshal headers: %w", err)
	}
	sealed, err := q.reg.sealBody(body)
	if err != nil {
		return OfflineAction{}, err
	}

	_, err = q.reg.db.ExecContext(ctx, `
		INSERT INTO offline_actions (id, request_key, method, url, headers, body, enqueued_at, attempts, next_attempt_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, action.ID, action.RequestKey, action.Method, action.URL, headersRaw, sealed, action.EnqueuedAt.UnixNano(), string(ActionPending))
	if err != nil {
		return OfflineAction{}, fmt.Errorf("failed to enqueue action: %w", err)
	}

	action.Body = body
	return action, nil
}

// Pending returns actions eligible for replay in one category (a URL
// substring filter), oldest first. An empty category matches everything.
func (q *ActionQueue) Pending(ctx context.Context, category string) ([]OfflineAction, error) {
	return q.list(ctx, ActionPending, category, time.Now())
}

// Dead returns actions that exhausted their replay attempts.
func (q *ActionQueue) Dead(ctx context.Context) ([]OfflineAction, error) {
	return q.list(ctx, ActionDead, "", time.Time{})
}

func (q *ActionQueue) list(ctx context.Context, state ActionState, category string, due time.Time) ([]OfflineAction, error) {
	if err := q.reg.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, request_key, method, url, headers, body, enqueued_at, attempts, next_attempt_at, state
		FROM offline_actions WHERE state = ? AND url LIKE ?
	`
	args := []any{string(state), "%" + category + "%"}
	if !due.IsZero() {
		query += ` AND next_attempt_at <= ?`
		args = append(args, due.UnixNano())
	}
	query += ` ORDER BY enqueued_at`

	rows, err := q.reg.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []OfflineAction
	for rows.Next() {
		var (
			a          OfflineAction
			headersRaw []byte
			sealed     []byte
			enqueued   int64
			next       int64
			st         string
		)
		if err := rows.Scan(&a.ID, &a.RequestKey, &a.Method, &a.URL, &headersRaw, &sealed, &enqueued, &a.Attempts, &next, &st); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if err := json.Unmarshal(headersRaw, &a.Headers); err != nil {
			return nil, fmt.Errorf("corrupt action headers: %w", err)
		}
		body, err := q.reg.openBody(sealed)
		if err != nil {
			return nil, err
		}
		a.Body = body
		a.EnqueuedAt = time.Unix(0, enqueued)
		if next > 0 {
			a.NextAttemptAt = time.Unix(0, next)
		}
		a.State = ActionState(st)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Len returns the number of pending actions across all categories.
func (q *ActionQueue) Len(ctx context.Context) (int, error) {
	return q.count(ctx, ActionPending)
}

// DeadCount returns the number of dead actions.
func (q *ActionQueue) DeadCount(ctx context.Context) (int, error) {
	return q.count(ctx, ActionDead)
}

func (q *ActionQueue) count(ctx context.Context, state ActionState) (int, error) {
	if err := q.reg.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := q.reg.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_actions WHERE state = ?`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// complete removes an action after a confirmed successful replay. This is
// the only path that destroys a queued action.
func (q *ActionQueue) complete(ctx context.Context, id string) error {
	_, err := q.reg.db.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete action: %w", err)
	}
	return nil
}

// markFailure records a failed replay: the entry stays in place, gated by
// exponential backoff, until MaxReplayAttempts moves it to the dead state.
func (q *ActionQueue) markFailure(ctx context.Context, a OfflineAction) error {
	attempts := a.Attempts + 1
	state := ActionPending
	if attempts >= q.cfg.MaxReplayAttempts {
		state = ActionDead
	}
	next := time.Now().Add(q.backoff(attempts))

	_, err := q.reg.db.ExecContext(ctx, `
		UPDATE offline_actions SET attempts = ?, next_attempt_at = ?, state = ? WHERE id = ?
	`, attempts, next.UnixNano(), string(state), a.ID)
	if err != nil {
		return fmt.Errorf("failed to record replay failure: %w", err)
	}
	return nil
}

func (q *ActionQueue) backoff(attempts int) time.Duration {
	d := q.cfg.ReplayBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxReplayBackoff {
			return q.cfg.MaxReplayBackoff
		}
	}
	return d
}

// ReplayReport summarizes one queue drain.
type ReplayReport struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
}

// Replay re-sends every eligible action in a category via a plain network
// call. An action is removed only on an OK replay response; anything else
// leaves it for the next sync trigger.
func (q *ActionQueue) Replay(ctx context.Context, fetch Fetcher, category string) (ReplayReport, error) {
	actions, err := q.Pending(ctx, category)
	if err != nil {
		return ReplayReport{}, err
	}

	var report ReplayReport
	for _, a := range actions {
		report.Attempted++
		if q.replayOne(ctx, fetch, a) {
			report.Replayed++
			if q.stats != nil {
				q.stats.ReplaySuccesses.Add(1)
			}
			continue
		}
		report.Failed++
		if q.stats != nil {
			q.stats.ReplayFailures.Add(1)
		}
		if a.Attempts+1 >= q.cfg.MaxReplayAttempts {
			report.Dead++
			q.log.Warn("action moved to dead state", "id", a.ID, "url", a.URL, "attempts", a.Attempts+1)
		}
	}
	return report, nil
}

func (q *ActionQueue) replayOne(ctx context.Context, fetch Fetcher, a OfflineAction) bool {
	req, err := http.NewRequestWithContext(ctx, a.Method, a.URL, bytes.NewReader(a.Body))
	if err != nil {
		q.log.Error("failed to build replay request", "id", a.ID, "error", err)
		if err := q.markFailure(ctx, a); err != nil {
			q.log.Error("failed to record replay failure", "id", a.ID, "error", err)
		}
		return false
	}
	for name, values := range a.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := fetch.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if isOK(resp.StatusCode) {
			if err := q.complete(ctx, a.ID); err != nil {
				q.log.Error("failed to remove replayed action", "id", a.ID, "error", err)
				return false
			}
			return true
		}
		err = fmt.Errorf("replay returned status %d", resp.StatusCode)
	}

	q.log.Debug("replay failed", "id", a.ID, "url", a.URL, "error", err)
	if err := q.markFailure(ctx, a); err != nil {
		q.log.Error("failed to record replay failure", "id", a.ID, "error", err)
	}
	return false
}
