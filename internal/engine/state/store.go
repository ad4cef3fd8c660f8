package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

// Store is the durable source of truth for build, global, download and
// update status. Every accessor reads through to the database.
type Store struct {
	db  *sql.DB
	hub *hub
	now func() time.Time
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db, hub: newHub(), now: time.Now}
}

// Close closes subscriptions and the database handle.
func (s *Store) Close() error {
	s.hub.close()
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// =============================================================================
// BuildInfo
// =============================================================================

// Build returns the recorded build, zero when none was discovered.
func (s *Store) Build(ctx context.Context) (types.BuildInfo, error) {
	var b types.BuildInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT version, release_ts, url, file_name, file_size, content_hash FROM build_info WHERE id = 1`,
	).Scan(&b.Version, &b.ReleaseTimestampMillis, &b.DownloadURL, &b.FileName, &b.FileSizeBytes, &b.ContentHash)
	if err != nil {
		return b, fmt.Errorf("read build info: %w", err)
	}
	return b, nil
}

// SaveBuild replaces the recorded build wholesale.
func (s *Store) SaveBuild(ctx context.Context, b types.BuildInfo) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE build_info SET version = ?, release_ts = ?, url = ?, file_name = ?, file_size = ?, content_hash = ? WHERE id = 1`,
		b.Version, b.ReleaseTimestampMillis, b.DownloadURL, b.FileName, b.FileSizeBytes, b.ContentHash)
	if err != nil {
		return fmt.Errorf("save build info: %w", err)
	}
	s.hub.publish(events.BuildChangedMsg{Build: b})
	return nil
}

// =============================================================================
// GlobalStatus
// =============================================================================

func readGlobal(ctx context.Context, q querier) (types.GlobalStatus, error) {
	var (
		g    types.GlobalStatus
		code string
	)
	err := q.QueryRowContext(ctx,
		`SELECT code, entry_ts, local_upgrade_file FROM global_status WHERE id = 1`,
	).Scan(&code, &g.EntryTimestamp, &g.LocalUpgradeFileName)
	if err != nil {
		return g, fmt.Errorf("read global status: %w", err)
	}
	if g.Code, err = types.ParseGlobalCode(code); err != nil {
		return g, err
	}
	return g, nil
}

func writeGlobal(ctx context.Context, q querier, g types.GlobalStatus) error {
	_, err := q.ExecContext(ctx,
		`UPDATE global_status SET code = ?, entry_ts = ?, local_upgrade_file = ? WHERE id = 1`,
		g.Code.String(), g.EntryTimestamp, g.LocalUpgradeFileName)
	if err != nil {
		return fmt.Errorf("write global status: %w", err)
	}
	return nil
}

// Global returns the current global status.
func (s *Store) Global(ctx context.Context) (types.GlobalStatus, error) {
	return readGlobal(ctx, s.db)
}

// TransitionGlobal moves the global status to `to` only if its current code
// is one of from (any code when from is empty). mutate may adjust the new row
// before it is written. Reports whether the transition happened.
func (s *Store) TransitionGlobal(ctx context.Context, to types.GlobalCode, from []types.GlobalCode, mutate func(*types.GlobalStatus)) (bool, error) {
	var (
		next    types.GlobalStatus
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := readGlobal(ctx, tx)
		if err != nil {
			return err
		}
		if len(from) > 0 && !containsGlobal(from, cur.Code) {
			return nil
		}
		next = cur
		if next.Code != to {
			next.EntryTimestamp = s.now().UnixMilli()
		}
		next.Code = to
		if mutate != nil {
			mutate(&next)
		}
		if err := writeGlobal(ctx, tx, next); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}
	s.hub.publish(events.GlobalChangedMsg{Status: next})
	return true, nil
}

func containsGlobal(set []types.GlobalCode, c types.GlobalCode) bool {
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

// =============================================================================
// DownloadStatus
// =============================================================================

func readDownload(ctx context.Context, q querier) (types.DownloadStatus, error) {
	var (
		d      types.DownloadStatus
		phase  string
		reason string
	)
	err := q.QueryRowContext(ctx,
		`SELECT phase, downloaded, total, percent, task_id, reason FROM download_status WHERE id = 1`,
	).Scan(&phase, &d.DownloadedBytes, &d.TotalBytes, &d.Percent, &d.TaskID, &reason)
	if err != nil {
		return d, fmt.Errorf("read download status: %w", err)
	}
	if d.Phase, err = types.ParseDownloadPhase(phase); err != nil {
		return d, err
	}
	d.Reason = types.FailureReason(reason)
	return d, nil
}

func writeDownload(ctx context.Context, q querier, d types.DownloadStatus) error {
	_, err := q.ExecContext(ctx,
		`UPDATE download_status SET phase = ?, downloaded = ?, total = ?, percent = ?, task_id = ?, reason = ? WHERE id = 1`,
		d.Phase.String(), d.DownloadedBytes, d.TotalBytes, d.Percent, d.TaskID, string(d.Reason))
	if err != nil {
		return fmt.Errorf("write download status: %w", err)
	}
	return nil
}

// normalize keeps downloaded <= total and percent consistent with both.
func normalize(d types.DownloadStatus) types.DownloadStatus {
	if d.DownloadedBytes < 0 {
		d.DownloadedBytes = 0
	}
	if d.TotalBytes > 0 && d.DownloadedBytes > d.TotalBytes {
		d.TotalBytes = d.DownloadedBytes
	}
	d.Percent = types.Percent(d.DownloadedBytes, d.TotalBytes)
	return d
}

// Download returns the current download status.
func (s *Store) Download(ctx context.Context) (types.DownloadStatus, error) {
	return readDownload(ctx, s.db)
}

// SaveDownload overwrites the download row.
func (s *Store) SaveDownload(ctx context.Context, d types.DownloadStatus) error {
	d = normalize(d)
	if err := writeDownload(ctx, s.db, d); err != nil {
		return err
	}
	s.hub.publish(events.DownloadChangedMsg{Status: d})
	return nil
}

// ClearDownload resets the download row to NotStarted with no handle.
func (s *Store) ClearDownload(ctx context.Context) error {
	return s.SaveDownload(ctx, types.DownloadStatus{Phase: types.DownloadNotStarted})
}

// UpdateDownload applies mutate to the download row in one transaction.
// When taskID is non-empty the row must still belong to that task. mutate
// returns false to leave the row untouched. Reports whether a write happened.
func (s *Store) UpdateDownload(ctx context.Context, taskID string, mutate func(*types.DownloadStatus) bool) (bool, error) {
	var (
		next    types.DownloadStatus
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := readDownload(ctx, tx)
		if err != nil {
			return err
		}
		if taskID != "" && cur.TaskID != taskID {
			return nil
		}
		next = cur
		if !mutate(&next) {
			return nil
		}
		next = normalize(next)
		if err := writeDownload(ctx, tx, next); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}
	s.hub.publish(events.DownloadChangedMsg{Status: next})
	return true, nil
}

// AdvanceDownload records progress for taskID. Writes that would move
// downloaded bytes or percent backwards are dropped, as are writes after the
// task lost ownership or the row left an active phase.
func (s *Store) AdvanceDownload(ctx context.Context, taskID string, downloaded, total int64) (bool, error) {
	return s.UpdateDownload(ctx, taskID, func(d *types.DownloadStatus) bool {
		if !d.Phase.Active() {
			return false
		}
		if downloaded < d.DownloadedBytes {
			return false
		}
		if types.Percent(downloaded, total) < d.Percent {
			return false
		}
		if downloaded == d.DownloadedBytes && total == d.TotalBytes && d.Phase == types.DownloadDownloading {
			return false
		}
		d.Phase = types.DownloadDownloading
		d.DownloadedBytes = downloaded
		d.TotalBytes = total
		return true
	})
}

// =============================================================================
// UpdateStatus
// =============================================================================

func readUpdate(ctx context.Context, q querier) (types.UpdateStatus, error) {
	var (
		u      types.UpdateStatus
		code   string
		step   int
		reason string
	)
	err := q.QueryRowContext(ctx,
		`SELECT code, step, progress, reason FROM update_status WHERE id = 1`,
	).Scan(&code, &step, &u.ProgressPercent, &reason)
	if err != nil {
		return u, fmt.Errorf("read update status: %w", err)
	}
	if u.Code, err = types.ParseUpdateCode(code); err != nil {
		return u, err
	}
	u.Step = types.ApplyStep(step)
	u.Reason = types.FailureReason(reason)
	return u, nil
}

func writeUpdate(ctx context.Context, q querier, u types.UpdateStatus) error {
	_, err := q.ExecContext(ctx,
		`UPDATE update_status SET code = ?, step = ?, progress = ?, reason = ? WHERE id = 1`,
		u.Code.String(), int(u.Step), u.ProgressPercent, string(u.Reason))
	if err != nil {
		return fmt.Errorf("write update status: %w", err)
	}
	return nil
}

// Update returns the current apply status.
func (s *Store) Update(ctx context.Context) (types.UpdateStatus, error) {
	return readUpdate(ctx, s.db)
}

// SaveUpdate overwrites the apply status row.
func (s *Store) SaveUpdate(ctx context.Context, u types.UpdateStatus) error {
	if err := writeUpdate(ctx, s.db, u); err != nil {
		return err
	}
	s.hub.publish(events.UpdateChangedMsg{Status: u})
	return nil
}

// =============================================================================
// Whole-pipeline operations
// =============================================================================

// Snapshot reads every status row.
func (s *Store) Snapshot(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	var err error
	if snap.Global, err = s.Global(ctx); err != nil {
		return snap, err
	}
	if snap.Download, err = s.Download(ctx); err != nil {
		return snap, err
	}
	if snap.Update, err = s.Update(ctx); err != nil {
		return snap, err
	}
	if snap.Build, err = s.Build(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// ResetPipeline sets GlobalStatus to None and clears the download and update
// rows in one transaction, provided the global code is one of from (any code
// when from is empty). Reports whether the reset happened.
func (s *Store) ResetPipeline(ctx context.Context, from ...types.GlobalCode) (bool, error) {
	var (
		global  types.GlobalStatus
		applied bool
	)
	dl := types.DownloadStatus{Phase: types.DownloadNotStarted}
	up := types.UpdateStatus{Code: types.UpdateNone}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := readGlobal(ctx, tx)
		if err != nil {
			return err
		}
		if len(from) > 0 && !containsGlobal(from, cur.Code) {
			return nil
		}
		global = types.GlobalStatus{Code: types.GlobalNone, EntryTimestamp: s.now().UnixMilli()}
		if err := writeGlobal(ctx, tx, global); err != nil {
			return err
		}
		if err := writeDownload(ctx, tx, dl); err != nil {
			return err
		}
		if err := writeUpdate(ctx, tx, up); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}
	s.hub.publish(events.GlobalChangedMsg{Status: global})
	s.hub.publish(events.DownloadChangedMsg{Status: dl})
	s.hub.publish(events.UpdateChangedMsg{Status: up})
	return true, nil
}

// Publish forwards a non-row message (e.g. a failure) to subscribers.
func (s *Store) Publish(msg any) {
	s.hub.publish(msg)
}

// Subscribe returns a stream of row-change messages and a cancel func.
// Each table keeps only its latest unsent row, so slow readers skip
// intermediate values but always observe the newest one.
func (s *Store) Subscribe() (<-chan any, func()) {
	return s.hub.subscribe()
}
