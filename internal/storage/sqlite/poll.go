package sqlite

import (
	"context"
	"fmt"

	"github.com/mmynk/pacegroup/internal/storage"
)

func (s *SQLiteStore) kickPoller() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *SQLiteStore) pollLoop() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}

		if err := s.poll(context.Background()); err != nil {
			// Subscribers can no longer trust their view; they reopen.
			s.logger.Error("change log poll failed", "error", err)
			s.hub.Fail(fmt.Errorf("%w: change feed: %w", storage.ErrUnavailable, err))
		}
	}
}

// poll forwards every change logged since the last poll to the hub and
// prunes rows older than the retention window.
func (s *SQLiteStore) poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, path FROM changes WHERE seq > ? ORDER BY seq",
		s.lastSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to query changes: %w", err)
	}

	var paths []string
	for rows.Next() {
		var seq int64
		var path string
		if err := rows.Scan(&seq, &path); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan change: %w", err)
		}
		s.lastSeq = seq
		paths = append(paths, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate changes: %w", err)
	}

	if len(paths) > 0 {
		s.hub.Notify(paths...)
	}

	now := s.clock.Now()
	if now.Sub(s.lastPrune) >= s.retention {
		cutoff := now.Add(-s.retention).UnixMilli()
		if _, err := s.db.ExecContext(ctx, "DELETE FROM changes WHERE changed_at < ?", cutoff); err != nil {
			return fmt.Errorf("failed to prune changes: %w", err)
		}
		s.lastPrune = now
	}
	return nil
}
