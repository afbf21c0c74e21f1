// Package cdc captures concurrent data changes of a single table while the
// rewrite engine copies it. Capture triggers append every committed mutation
// to a changelog table; a session anchors a consistent snapshot at the exact
// point the triggers became active, and a decoder turns changelog rows into
// typed change events, strictly once.
package cdc

import "fmt"

// OpType tags a change event.
type OpType uint8

const (
	OpInsert OpType = iota + 1
	OpUpdate
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// LogPosition is a point in the change stream: the sequence number the
// changelog assigned to the last record included.
type LogPosition int64

// ChangeEvent is one decoded row mutation, ordered by commit order.
//
//   - Insert carries Row (the full new row).
//   - Update carries Identity (old identity-key values, in case the key
//     itself changed) and Row.
//   - Delete carries Identity only.
type ChangeEvent struct {
	Seq      LogPosition            `msgpack:"s"`
	Op       OpType                 `msgpack:"o"`
	Identity map[string]interface{} `msgpack:"id,omitempty"`
	Row      map[string]interface{} `msgpack:"row,omitempty"`
}

// sizeEstimate approximates the in-memory footprint for the buffer budget.
func (ev *ChangeEvent) sizeEstimate() int64 {
	size := int64(64)
	for k, v := range ev.Identity {
		size += int64(len(k)) + valueSize(v)
	}
	for k, v := range ev.Row {
		size += int64(len(k)) + valueSize(v)
	}
	return size
}

func valueSize(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	default:
		return 16
	}
}
