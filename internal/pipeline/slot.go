package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Slot names one of the four artifacts a run needs, in fetch order.
type Slot int

const (
	SlotLibrary Slot = iota + 1
	SlotHelper
	SlotValueSet
	SlotPatientBundle
)

// Slots returns every slot in the fixed fetch order.
func Slots() []Slot {
	return []Slot{SlotLibrary, SlotHelper, SlotValueSet, SlotPatientBundle}
}

var slotNames = map[Slot]string{
	SlotLibrary:       "library",
	SlotHelper:        "helper",
	SlotValueSet:      "value-set",
	SlotPatientBundle: "patient-bundle",
}

func (s Slot) String() string {
	if name, ok := slotNames[s]; ok {
		return name
	}
	return ""
}

// Valid reports whether s is one of the four slots.
func (s Slot) Valid() bool {
	_, ok := slotNames[s]
	return ok
}

func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Slot) UnmarshalText(text []byte) error {
	slot, err := ParseSlot(string(text))
	if err != nil {
		return err
	}
	*s = slot
	return nil
}

// ParseSlot maps a slot name back to its Slot.
func ParseSlot(name string) (Slot, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range slotNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown artifact slot %q", name)
}

// ---------------------------------------------------------------------------
// ArtifactStore
// ---------------------------------------------------------------------------

var (
	ErrSlotFilled  = errors.New("artifact slot already populated")
	ErrInvalidSlot = errors.New("invalid artifact slot")
)

// ArtifactStore holds the artifacts fetched for one run. Each slot is either
// absent or holds the payload exactly as fetched. Payloads are copied on the
// way in and on the way out. A store belongs to a single run and is not safe
// for concurrent use.
type ArtifactStore struct {
	payloads map[Slot][]byte
}

// NewArtifactStore returns a store with all four slots absent.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{payloads: make(map[Slot][]byte, 4)}
}

// Put fills slot. A slot can be filled once per run.
func (s *ArtifactStore) Put(slot Slot, payload []byte) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if _, ok := s.payloads[slot]; ok {
		return fmt.Errorf("%w: %s", ErrSlotFilled, slot)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.payloads[slot] = cp
	return nil
}

// Get returns a copy of the payload in slot.
func (s *ArtifactStore) Get(slot Slot) ([]byte, bool) {
	payload, ok := s.payloads[slot]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, true
}

// Text returns the payload in slot as text, or "" when absent.
func (s *ArtifactStore) Text(slot Slot) string {
	return string(s.payloads[slot])
}

// Has reports whether slot is populated.
func (s *ArtifactStore) Has(slot Slot) bool {
	_, ok := s.payloads[slot]
	return ok
}

// Ready reports whether all four slots are populated.
func (s *ArtifactStore) Ready() bool {
	for _, slot := range Slots() {
		if !s.Has(slot) {
			return false
		}
	}
	return true
}

// Reset discards every payload.
func (s *ArtifactStore) Reset() {
	clear(s.payloads)
}
