package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	"go.uber.org/zap"
)

const cursorTable = "_walproxy_cursor"

func (e *Engine) ensureCursorTable(ctx context.Context) error {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	if e.cursorReady {
		return nil
	}
	if e.readOnly {
		return errors.New("replication cursor needs a writable engine")
	}
	_, err := e.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+cursorTable+` (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		applied_offset INTEGER NOT NULL
	)`)
	if err == nil {
		_, err = e.db.ExecContext(ctx, `INSERT OR IGNORE INTO `+cursorTable+` (id, applied_offset) VALUES (1, 0)`)
	}
	if err != nil {
		return fmt.Errorf("failed to create replication cursor table: %w", err)
	}
	e.cursorReady = true
	return nil
}

func readCursor(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (wal.Offset, error) {
	var applied int64
	if err := q.QueryRowContext(ctx, `SELECT applied_offset FROM `+cursorTable+` WHERE id = 1`).Scan(&applied); err != nil {
		return 0, fmt.Errorf("failed to read replication cursor: %w", err)
	}
	return wal.Offset(applied), nil
}

// Cursor returns the offset of the last frame applied to this replica.
func (e *Engine) Cursor(ctx context.Context) (wal.Offset, error) {
	if err := e.ensureCursorTable(ctx); err != nil {
		return 0, err
	}
	return readCursor(ctx, e.db)
}

// ApplyFrames replays whole transactions in one engine transaction that
// also stores the new cursor. Frames at or below the stored cursor are
// skipped; a frame that is not exactly the next offset aborts the batch.
// It returns the cursor after the call.
func (e *Engine) ApplyFrames(ctx context.Context, frames []wal.Frame) (wal.Offset, error) {
	if err := e.ensureCursorTable(ctx); err != nil {
		return 0, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	cursor, err := readCursor(ctx, tx)
	if err != nil {
		return 0, err
	}

	applied := cursor
	for _, f := range frames {
		if f.Offset <= applied {
			continue
		}
		if f.Offset != applied+1 {
			return cursor, fmt.Errorf("%w: frame %d after cursor %d", dberror.ErrReplicationGap, f.Offset, applied)
		}
		payload, err := wal.DecodePayload(f.Data)
		if err != nil {
			return cursor, fmt.Errorf("frame %d: %w", f.Offset, err)
		}
		if _, err := tx.ExecContext(ctx, payload.SQL, normalizeParams(payload.Params)...); err != nil {
			return cursor, fmt.Errorf("failed to apply frame %d: %w", f.Offset, toStatementError(err))
		}
		applied = f.Offset
	}

	if applied == cursor {
		return cursor, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+cursorTable+` SET applied_offset = ? WHERE id = 1`, int64(applied)); err != nil {
		return cursor, fmt.Errorf("failed to store replication cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cursor, fmt.Errorf("failed to commit applied frames: %w", toStatementError(err))
	}

	e.logger.Debug("Applied frames", zap.Uint64("from", cursor+1), zap.Uint64("to", applied))
	return applied, nil
}
