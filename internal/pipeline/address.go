package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// EverythingSuffix is appended to the patient address to request all data
// for the subject.
const EverythingSuffix = "/$everything"

// ErrUnresolvedAddress is returned when a slot's address cannot be built
// from the configured policy.
var ErrUnresolvedAddress = errors.New("address cannot be resolved")

// ExtractMode selects how an artifact is taken out of a fetched payload.
type ExtractMode string

const (
	// ExtractRaw keeps the payload as fetched.
	ExtractRaw ExtractMode = "raw"
	// ExtractFirstEntry treats the payload as a search Bundle and keeps the
	// exact bytes of its first entry resource.
	ExtractFirstEntry ExtractMode = "first-entry"
)

// ParseExtractMode accepts "raw" or "first-entry". Blank yields "".
func ParseExtractMode(s string) (ExtractMode, error) {
	switch m := ExtractMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ExtractRaw, ExtractFirstEntry:
		return m, nil
	default:
		return "", fmt.Errorf("unknown extract mode %q", s)
	}
}

// AddressPolicy turns a slot and a patient id into a fetch address. Each
// slot address is BaseURL joined with the slot path. A path that already
// carries a scheme ("file://...", "mem://...") is used as is.
type AddressPolicy struct {
	BaseURL      string
	LibraryPath  string
	HelperPath   string
	ValueSetPath string
	PatientPath  string
	Extract      map[Slot]ExtractMode
}

// Resolve returns the address for slot. It has no side effects and fails
// with ErrUnresolvedAddress when a needed part is unset.
func (p AddressPolicy) Resolve(slot Slot, patientID string) (string, error) {
	var path string
	switch slot {
	case SlotLibrary:
		path = p.LibraryPath
	case SlotHelper:
		path = p.HelperPath
	case SlotValueSet:
		path = p.ValueSetPath
	case SlotPatientBundle:
		path = p.PatientPath
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidSlot, slot)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: %s path is unset", ErrUnresolvedAddress, slot)
	}

	addr := path
	if !hasScheme(path) {
		if strings.TrimSpace(p.BaseURL) == "" {
			return "", fmt.Errorf("%w: base URL is unset", ErrUnresolvedAddress)
		}
		addr = joinURL(p.BaseURL, path)
	}

	if slot != SlotPatientBundle {
		return addr, nil
	}
	if strings.TrimSpace(patientID) == "" {
		return "", fmt.Errorf("%w: patient id is empty", ErrUnresolvedAddress)
	}
	return strings.TrimRight(addr, "/") + "/" + url.PathEscape(patientID) + EverythingSuffix, nil
}

// ExtractModeFor returns the configured mode for slot. Library and helper
// default to first-entry; the other slots default to raw.
func (p AddressPolicy) ExtractModeFor(slot Slot) ExtractMode {
	if m := p.Extract[slot]; m != "" {
		return m
	}
	if slot == SlotLibrary || slot == SlotHelper {
		return ExtractFirstEntry
	}
	return ExtractRaw
}

// hasScheme reports whether path starts with "scheme://".
func hasScheme(path string) bool {
	scheme, _, ok := strings.Cut(path, "://")
	if !ok || scheme == "" {
		return false
	}
	for i, c := range scheme {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
