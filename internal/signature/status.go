package signature

import "strings"

// Status is the canonical lifecycle of a provider envelope.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusSigned   Status = "SIGNED"
	StatusRejected Status = "REJECTED"
)

var statusSynonyms = map[string]Status{
	"created":                StatusPending,
	"pending":                StatusPending,
	"draft":                  StatusPending,
	"sent":                   StatusSent,
	"delivered":              StatusSent,
	"in_process":             StatusSent,
	"in-progress":            StatusSent,
	"completed":              StatusSigned,
	"signed":                 StatusSigned,
	"finished":               StatusSigned,
	"completed_successfully": StatusSigned,
	"declined":               StatusRejected,
	"rejected":               StatusRejected,
	"voided":                 StatusRejected,
	"terminated":             StatusRejected,
	"cancelled":              StatusRejected,
	"canceled":               StatusRejected,
}

// NormalizeStatus maps a vendor status string onto the canonical enum.
// Unrecognized values are treated as PENDING.
func NormalizeStatus(vendorStatus string) Status {
	if status, ok := statusSynonyms[strings.ToLower(strings.TrimSpace(vendorStatus))]; ok {
		return status
	}
	return StatusPending
}

// Valid reports whether s is one of the four canonical values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusSigned, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether the signer can no longer act on the envelope.
func (s Status) Terminal() bool {
	return s == StatusSigned || s == StatusRejected
}

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusSigned, StatusRejected:
		return 2
	default:
		return 0
	}
}

// CanAdvance reports whether a stored status may be replaced by next.
// Terminal states are never replaced and the rank never goes down.
func CanAdvance(current, next Status) bool {
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	return next.rank() >= current.rank()
}
