// Package id provides ULID trace identifiers for the IPC engine.
//
// Every kernel message and every reference port is stamped with a prefixed
// ULID so that log lines from copy-in, queueing and copy-out can be joined:
//   - Lexicographic sortability: IDs order by creation time
//   - Prefixed types: kmsg_* and port_* are readable in logs
//   - Type safety: separate types prevent mixing message and port IDs
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// MessageID identifies one kernel message from ingress to free
type MessageID string

// PortID identifies a port object
type PortID string

const (
	MessagePrefix = "kmsg"
	PortPrefix    = "port"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by monotonic crypto entropy
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewMessageID generates a new message trace ID
func NewMessageID() MessageID {
	return MessageID(Default().GenerateWithPrefix(MessagePrefix))
}

// NewPortID generates a new port ID
func NewPortID() PortID {
	return PortID(Default().GenerateWithPrefix(PortPrefix))
}

func (id MessageID) String() string { return string(id) }
func (id PortID) String() string    { return string(id) }

// ============================================================================
// Parsing
// ============================================================================

// Parse parses a ULID, stripping a type prefix if present
func Parse(id string) (ulid.ULID, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	return ulid.Parse(id)
}

// Timestamp extracts the creation time from an ID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
