// Package ledger provides the anchoring backend for claim artifacts. The
// in-memory implementation stands in for a real distributed ledger: it
// hands out deterministic-looking handles and keeps explicit counters so
// behavior is reproducible in tests and local workspaces.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Anchorer is what the claim workflow needs from a ledger: artifact
// storage, message anchoring, and badge minting.
type Anchorer interface {
	StoreFile(ctx context.Context, name string, contents []byte) (FileID, error)
	SubmitMessage(ctx context.Context, topic string, payload []byte) (Receipt, error)
	MintBadge(ctx context.Context, claimID string) (BadgeSerial, error)
}

type FileID string

type BadgeSerial int64

// Receipt identifies an anchored message.
type Receipt struct {
	TxID     string
	Topic    string
	Sequence int64
}

// Mock is an in-process Anchorer. Counters advance per topic and per
// badge so repeated runs in one process stay distinguishable; IDs are
// random UUIDs like a real backend would return.
type Mock struct {
	mu        sync.Mutex
	files     map[FileID][]byte
	sequences map[string]int64
	serial    int64
}

func NewMock() *Mock {
	return &Mock{
		files:     make(map[FileID][]byte),
		sequences: make(map[string]int64),
	}
}

func (m *Mock) StoreFile(ctx context.Context, name string, contents []byte) (FileID, error) {
	if name == "" {
		return "", fmt.Errorf("file name required")
	}
	id := FileID(fmt.Sprintf("0.0.%s", uuid.New().String()[:8]))
	m.mu.Lock()
	m.files[id] = append([]byte(nil), contents...)
	m.mu.Unlock()
	return id, nil
}

// GetFile returns a stored artifact. Only the mock exposes this; real
// backends serve files through their own gateways.
func (m *Mock) GetFile(id FileID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[id]
	return data, ok
}

func (m *Mock) SubmitMessage(ctx context.Context, topic string, payload []byte) (Receipt, error) {
	if topic == "" {
		return Receipt{}, fmt.Errorf("topic required")
	}
	m.mu.Lock()
	m.sequences[topic]++
	seq := m.sequences[topic]
	m.mu.Unlock()
	return Receipt{
		TxID:     uuid.New().String(),
		Topic:    topic,
		Sequence: seq,
	}, nil
}

func (m *Mock) MintBadge(ctx context.Context, claimID string) (BadgeSerial, error) {
	if claimID == "" {
		return 0, fmt.Errorf("claim id required")
	}
	m.mu.Lock()
	m.serial++
	s := m.serial
	m.mu.Unlock()
	return BadgeSerial(s), nil
}
