package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Envelope is the canonical view of one provider envelope. Nil pointers and an
// empty Status mean the provider did not report that field.
type Envelope struct {
	EnvelopeID  string     `json:"envelopeId"`
	DocumentID  *string    `json:"documentId,omitempty"`
	SigningURL  *string    `json:"signingUrl,omitempty"`
	Status      Status     `json:"status,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DeclinedAt  *time.Time `json:"declinedAt,omitempty"`
	OccurredAt  *time.Time `json:"occurredAt,omitempty"`
}

// StatusOrPending is the status to seed when the provider omitted it.
func (e Envelope) StatusOrPending() Status {
	if e.Status == "" {
		return StatusPending
	}
	return e.Status
}

// EventTime orders deliveries: the explicit event time when present, otherwise
// the latest lifecycle timestamp carried by the envelope.
func (e Envelope) EventTime() *time.Time {
	if e.OccurredAt != nil {
		return e.OccurredAt
	}
	var latest *time.Time
	for _, ts := range []*time.Time{e.SentAt, e.CompletedAt, e.DeclinedAt} {
		if ts != nil && (latest == nil || ts.After(*latest)) {
			latest = ts
		}
	}
	return latest
}

var errMissingEnvelopeID = errors.New("envelope id missing")

// looseString accepts JSON strings, numbers and null.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = looseString(data)
	return nil
}

func (s looseString) trimmed() string {
	return strings.TrimSpace(string(s))
}

type envelopeTimestamps struct {
	SentAt      looseString `json:"sentAt"`
	CompletedAt looseString `json:"completedAt"`
	DeclinedAt  looseString `json:"declinedAt"`
}

type envelopeLink struct {
	Rel  looseString `json:"rel"`
	Href looseString `json:"href"`
}

// envelopePayload is the tolerant wire schema shared by API responses and
// webhook bodies.
type envelopePayload struct {
	EnvelopeID  looseString `json:"envelopeId"`
	ID          looseString `json:"id"`
	DocumentID  looseString `json:"documentId"`
	SigningURL  looseString `json:"signingUrl"`
	SigningURLs []struct {
		URL looseString `json:"url"`
	} `json:"signingUrls"`
	Links       []envelopeLink      `json:"links"`
	Status      looseString         `json:"status"`
	SentAt      looseString         `json:"sentAt"`
	CompletedAt looseString         `json:"completedAt"`
	DeclinedAt  looseString         `json:"declinedAt"`
	Timestamps  *envelopeTimestamps `json:"timestamps"`
	OccurredAt  looseString         `json:"occurredAt"`
	EventTime   looseString         `json:"eventTime"`
}

const signingURLRel = "signing_url"

var signingURLChain = []func(envelopePayload) string{
	func(p envelopePayload) string { return p.SigningURL.trimmed() },
	func(p envelopePayload) string {
		if len(p.SigningURLs) == 0 {
			return ""
		}
		return p.SigningURLs[0].URL.trimmed()
	},
	func(p envelopePayload) string {
		for _, link := range p.Links {
			if strings.EqualFold(link.Rel.trimmed(), signingURLRel) {
				if href := link.Href.trimmed(); href != "" {
					return href
				}
			}
		}
		return ""
	},
}

// resolveSigningURL walks signingUrl, signingUrls[0].url, then links[rel=signing_url].
func resolveSigningURL(p envelopePayload) string {
	for _, candidate := range signingURLChain {
		if url := candidate(p); url != "" {
			return url
		}
	}
	return ""
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var payload envelopePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return payload.toEnvelope()
}

func (p envelopePayload) toEnvelope() (Envelope, error) {
	envelope := Envelope{EnvelopeID: firstNonBlank(p.EnvelopeID.trimmed(), p.ID.trimmed())}
	if envelope.EnvelopeID == "" {
		return Envelope{}, errMissingEnvelopeID
	}
	envelope.DocumentID = optionalString(p.DocumentID.trimmed())
	envelope.SigningURL = optionalString(resolveSigningURL(p))
	if status := p.Status.trimmed(); status != "" {
		envelope.Status = NormalizeStatus(status)
	}

	var nested envelopeTimestamps
	if p.Timestamps != nil {
		nested = *p.Timestamps
	}
	fields := []struct {
		name   string
		values []looseString
		target **time.Time
	}{
		{"sentAt", []looseString{p.SentAt, nested.SentAt}, &envelope.SentAt},
		{"completedAt", []looseString{p.CompletedAt, nested.CompletedAt}, &envelope.CompletedAt},
		{"declinedAt", []looseString{p.DeclinedAt, nested.DeclinedAt}, &envelope.DeclinedAt},
		{"occurredAt", []looseString{p.OccurredAt, p.EventTime}, &envelope.OccurredAt},
	}
	for _, field := range fields {
		for _, value := range field.values {
			if value.trimmed() == "" {
				continue
			}
			ts, err := parseTimestamp(value.trimmed())
			if err != nil {
				return Envelope{}, fmt.Errorf("%s: %w", field.name, err)
			}
			*field.target = &ts
			break
		}
	}
	return envelope, nil
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e11

// parseTimestamp accepts RFC 3339 text or a numeric epoch in seconds or milliseconds.
func parseTimestamp(value string) (time.Time, error) {
	if epoch, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(epoch) && !math.IsInf(epoch, 0) {
		if epoch >= epochMillisThreshold {
			return time.UnixMilli(int64(epoch)).UTC(), nil
		}
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
