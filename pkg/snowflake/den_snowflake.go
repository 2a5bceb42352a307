// Package snowflake mints time-ordered ids for locally queued work.
//
// Layout (64 bits):
//
//	┌─────────┬─────────────────────┬────────────┬──────────────┐
//	│ 1 bit   │      41 bits        │  10 bits   │   12 bits    │
//	│ sign(0) │ timestamp (ms)      │ node id    │  sequence    │
//	└─────────┴─────────────────────┴────────────┴──────────────┘
//
// IDs from one Generator are strictly increasing, so sorting them replays
// work in the order it was queued.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// Custom epoch: 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timestampShift = nodeBits + sequenceBits
	nodeShift      = sequenceBits

	// Width of the zero-padded decimal form.
	idWidth = 19
)

var ErrInvalidNode = fmt.Errorf("node id must be between 0 and %d", maxNode)

// Generator mints ids for one node.
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastTime int64

	now func() int64
}

// NewGenerator creates a generator. node must be in [0, 1023].
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, ErrInvalidNode
	}
	return &Generator{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next returns a new id. A clock that steps backwards does not break
// ordering: the generator keeps counting from the last time it saw.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastTime {
		now = g.lastTime
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond; borrow the next one.
			now++
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return ((now - epoch) << timestampShift) | (g.node << nodeShift) | g.sequence
}

// NextString returns Next as a fixed-width decimal string whose
// lexicographic order matches numeric order.
func (g *Generator) NextString() string {
	return Format(g.Next())
}

// Format renders id in the fixed-width form.
func Format(id int64) string {
	return fmt.Sprintf("%0*d", idWidth, id)
}

// ParseString is the inverse of Format.
func ParseString(s string) (int64, error) {
	if len(s) != idWidth {
		return 0, errors.New("snowflake: malformed id")
	}
	return strconv.ParseInt(s, 10, 64)
}

// Timestamp extracts the mint time of id.
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch)
}

// Node extracts the node id of id.
func Node(id int64) int64 {
	return (id >> nodeShift) & maxNode
}
