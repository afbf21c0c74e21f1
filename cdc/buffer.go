package cdc

import (
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"

	"github.com/squeezedb/squeeze/encoding"
	"github.com/squeezedb/squeeze/telemetry"
)

// EventBuffer accumulates decoded change events up to a memory budget and
// spills overflow to a temporary pebble store, whole batches at a time,
// s2-compressed. Drain replays everything in the original commit order:
// spilled batches first (they hold the oldest prefix), then the in-memory
// tail.
type EventBuffer struct {
	budget   int64
	spillDir string

	mem      []*ChangeEvent
	memBytes int64

	spill     *pebble.DB
	spillPath string
	nextBatch uint64
	spilled   int
	total     int
}

// NewEventBuffer creates a buffer with the given byte budget. spillDir is the
// parent directory for the spill store; empty means the OS temp directory.
func NewEventBuffer(budget int64, spillDir string) *EventBuffer {
	if budget <= 0 {
		budget = 64 * 1024 * 1024
	}
	return &EventBuffer{budget: budget, spillDir: spillDir}
}

// Add appends one event. When the in-memory footprint crosses the budget the
// current contents are flushed to the spill store.
func (b *EventBuffer) Add(ev *ChangeEvent) error {
	b.mem = append(b.mem, ev)
	b.memBytes += ev.sizeEstimate()
	b.total++
	telemetry.EventsBufferedBytes.Set(float64(b.memBytes))

	if b.memBytes > b.budget {
		return b.flush()
	}
	return nil
}

// Len returns the number of buffered events, spilled included.
func (b *EventBuffer) Len() int {
	return b.total
}

func (b *EventBuffer) flush() error {
	if len(b.mem) == 0 {
		return nil
	}
	if b.spill == nil {
		dir, err := os.MkdirTemp(b.spillDir, "squeeze-spill-*")
		if err != nil {
			return fmt.Errorf("create spill directory: %w", err)
		}
		db, err := pebble.Open(dir, &pebble.Options{})
		if err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("open spill store: %w", err)
		}
		b.spill = db
		b.spillPath = dir
	}

	raw, err := encoding.Marshal(b.mem)
	if err != nil {
		return fmt.Errorf("encode spill batch: %w", err)
	}
	key := []byte(fmt.Sprintf("/batch/%016x", b.nextBatch))
	if err := b.spill.Set(key, s2.Encode(nil, raw), pebble.Sync); err != nil {
		return fmt.Errorf("write spill batch: %w", err)
	}
	b.nextBatch++
	b.spilled += len(b.mem)
	telemetry.EventsSpilledTotal.Add(float64(len(b.mem)))

	b.mem = b.mem[:0]
	b.memBytes = 0
	telemetry.EventsBufferedBytes.Set(0)
	return nil
}

// Drain feeds every buffered event to fn in commit order, then resets the
// buffer. A consumed buffer cannot be drained again.
func (b *EventBuffer) Drain(fn func(*ChangeEvent) error) error {
	if b.spill != nil {
		iter, err := b.spill.NewIter(nil)
		if err != nil {
			return fmt.Errorf("iterate spill store: %w", err)
		}
		for iter.First(); iter.Valid(); iter.Next() {
			raw, err := s2.Decode(nil, iter.Value())
			if err != nil {
				iter.Close()
				return fmt.Errorf("decompress spill batch: %w", err)
			}
			var batch []*ChangeEvent
			if err := encoding.Unmarshal(raw, &batch); err != nil {
				iter.Close()
				return fmt.Errorf("decode spill batch: %w", err)
			}
			for _, ev := range batch {
				if err := fn(ev); err != nil {
					iter.Close()
					return err
				}
			}
		}
		if err := iter.Close(); err != nil {
			return fmt.Errorf("close spill iterator: %w", err)
		}
	}

	for _, ev := range b.mem {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return b.Reset()
}

// Reset discards all buffered events and the spill store contents.
func (b *EventBuffer) Reset() error {
	b.mem = b.mem[:0]
	b.memBytes = 0
	b.total = 0
	b.spilled = 0
	b.nextBatch = 0
	telemetry.EventsBufferedBytes.Set(0)
	return b.closeSpill()
}

// Close releases the spill store. Safe to call on every exit path.
func (b *EventBuffer) Close() error {
	b.mem = nil
	return b.closeSpill()
}

func (b *EventBuffer) closeSpill() error {
	if b.spill == nil {
		return nil
	}
	err := b.spill.Close()
	if rmErr := os.RemoveAll(b.spillPath); err == nil {
		err = rmErr
	}
	b.spill = nil
	b.spillPath = ""
	return err
}
