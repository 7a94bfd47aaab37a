// Package diagnostics tracks operator-visible Warnings surfaced by the
// communication subsystem -- handshake/transport disconnections, and the
// periodic self-check for stuck pending-removal records and long-held
// quench -- so the admin HTTP API can list them without scanning logs.
package diagnostics

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxWarnings bounds in-memory retention; the oldest warning is evicted
// once the bound is reached.
const MaxWarnings = 1000

// Category classifies why a Warning was raised.
type Category string

const (
	// CategoryHandshake marks a disconnection caused by a failed role
	// handshake (version mismatch, rejection, malformed reply).
	CategoryHandshake Category = "handshake"
	// CategoryTransport marks a disconnection caused by a transport-level
	// failure (connect, send, or receive error).
	CategoryTransport Category = "transport"
	// CategoryPendingStuck marks a record the periodic self-check found
	// still awaiting removal well past a normal flush cycle.
	CategoryPendingStuck Category = "pending_stuck"
	// CategoryQuenchStuck marks quench the periodic self-check found has
	// been continuously active for longer than expected.
	CategoryQuenchStuck Category = "quench_stuck"
)

// Severity classifies how urgently a Warning needs operator attention,
// mirroring the corpus's own all-caps severity strings.
type Severity string

const (
	// SeverityWarn is the default severity for a recoverable condition.
	SeverityWarn Severity = "WARN"
	// SeverityError marks a condition that cost a connection outright.
	SeverityError Severity = "ERROR"
)

// Warning is one operator-visible diagnostic record.
type Warning struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	ServerID     *string   `json:"serverId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Service tracks Warnings raised by the SCM loop and served by the admin
// HTTP API.
type Service struct {
	mu       sync.RWMutex
	warnings map[string]*Warning
}

// NewService creates an empty, ready-to-use Service.
func NewService() *Service {
	return &Service{warnings: make(map[string]*Warning)}
}

// Add raises a new Warning, evicting the oldest entry if at capacity.
// serverID is optional: pass "" for a warning not tied to one ServerId
// (e.g. quench held active unusually long).
func (s *Service) Add(category Category, severity Severity, serverID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.warnings) >= MaxWarnings {
		var oldestID string
		var oldestAt time.Time
		for id, w := range s.warnings {
			if oldestID == "" || w.Timestamp.Before(oldestAt) {
				oldestID, oldestAt = id, w.Timestamp
			}
		}
		if oldestID != "" {
			delete(s.warnings, oldestID)
		}
	}

	var serverIDPtr *string
	if serverID != "" {
		serverIDPtr = &serverID
	}

	id := uuid.NewString()
	s.warnings[id] = &Warning{
		ID:        id,
		Category:  category,
		Severity:  severity,
		Message:   message,
		ServerID:  serverIDPtr,
		Timestamp: time.Now(),
	}
	log.Info().Str("category", string(category)).Str("severity", string(severity)).
		Str("serverId", serverID).Str("message", message).Msg("diagnostics: warning raised")
}

// All returns every warning, newest first.
func (s *Service) All() []*Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Acknowledge marks id as acknowledged, reporting whether it existed.
func (s *Service) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.warnings[id]
	if !ok {
		return false
	}
	w.Acknowledged = true
	return true
}
