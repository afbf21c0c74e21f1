package cdc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/common"
)

// EventReader is a lazy, forward-only view of the change stream between the
// session cursor and a fixed end position. It can only be consumed once; the
// cursor discipline in Session.RecordDrain prevents reading the same window
// again.
type EventReader struct {
	session *Session
	rows    *sql.Rows
	last    LogPosition
	err     error
}

// Decode opens a reader over all events with cursor < seq <= upTo, in commit
// order. q decides the visibility: pass the exclusive transaction during
// finalization, the plain database handle otherwise. This is the only place
// that blocks on changelog I/O.
func (s *Session) Decode(ctx context.Context, q catalog.Querier, upTo LogPosition) (*EventReader, error) {
	if upTo < s.drained {
		return nil, common.Invariantf("decode window end %d precedes drained position %d", upTo, s.drained)
	}

	var cols []string
	cols = append(cols, "seq", "op")
	for _, ic := range s.identity.Columns {
		cols = append(cols, catalog.QuoteIdent(oldColPrefix+ic.Name))
	}
	for _, c := range s.schema.Columns {
		cols = append(cols, catalog.QuoteIdent(newColPrefix+c.Name))
	}

	rows, err := q.QueryContext(ctx,
		"SELECT "+strings.Join(cols, ", ")+" FROM "+s.changelogName()+
			" WHERE seq > ? AND seq <= ? ORDER BY seq",
		int64(s.drained), int64(upTo))
	if err != nil {
		return nil, fmt.Errorf("read changelog: %w", err)
	}

	return &EventReader{session: s, rows: rows, last: s.drained}, nil
}

// Next returns the next event, or nil when the window is exhausted. After a
// nil result the caller must check Err.
func (r *EventReader) Next() (*ChangeEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	if !r.rows.Next() {
		r.err = r.rows.Err()
		return nil, r.err
	}

	s := r.session
	nIdent := len(s.identity.Columns)
	nCols := len(s.schema.Columns)

	var seq int64
	var op string
	identVals := make([]interface{}, nIdent)
	rowVals := make([]interface{}, nCols)

	dest := make([]interface{}, 0, 2+nIdent+nCols)
	dest = append(dest, &seq, &op)
	for i := range identVals {
		dest = append(dest, &identVals[i])
	}
	for i := range rowVals {
		dest = append(dest, &rowVals[i])
	}
	if err := r.rows.Scan(dest...); err != nil {
		r.err = fmt.Errorf("scan changelog row: %w", err)
		return nil, r.err
	}

	ev := &ChangeEvent{Seq: LogPosition(seq)}
	if ev.Seq <= r.last {
		r.err = common.Invariantf("changelog sequence went backwards: %d after %d", seq, r.last)
		return nil, r.err
	}
	r.last = ev.Seq

	switch op {
	case "I":
		ev.Op = OpInsert
		ev.Row = zipValues(s.schema.ColumnNames(), rowVals)
	case "U":
		ev.Op = OpUpdate
		ev.Identity = zipIdentity(s.identity, identVals)
		ev.Row = zipValues(s.schema.ColumnNames(), rowVals)
	case "D":
		ev.Op = OpDelete
		ev.Identity = zipIdentity(s.identity, identVals)
	default:
		r.err = common.Invariantf("unknown changelog op %q at seq %d", op, seq)
		return nil, r.err
	}
	return ev, nil
}

// End returns the sequence of the last event returned so far.
func (r *EventReader) End() LogPosition {
	return r.last
}

// Close releases the underlying cursor.
func (r *EventReader) Close() error {
	return r.rows.Close()
}

func zipValues(names []string, vals []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(names))
	for i, name := range names {
		m[name] = vals[i]
	}
	return m
}

func zipIdentity(key *catalog.IdentityKey, vals []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(key.Columns))
	for i, ic := range key.Columns {
		m[ic.Name] = vals[i]
	}
	return m
}
