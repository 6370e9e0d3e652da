package relay

import (
	"context"
	"log/slog"
	"strings"
)

const DefaultCountryPrefix = "+31"

// RecordLookup finds downstream records whose phone field matches either
// form of a number. Implementations should compare tolerant of formatting.
type RecordLookup interface {
	FindByPhone(ctx context.Context, canonical, national string) ([]string, error)
}

// MatchedRecord is the result of one resolution; it is never cached.
type MatchedRecord struct {
	RecordID string
}

func (m MatchedRecord) Matched() bool {
	return m.RecordID != ""
}

type PhoneMatcherOptions struct {
	Lookup               RecordLookup
	DefaultCountryPrefix string
	Logger               *slog.Logger
}

type PhoneMatcher struct {
	lookup RecordLookup
	prefix string
	logger *slog.Logger
}

func NewPhoneMatcher(opts PhoneMatcherOptions) *PhoneMatcher {
	prefix := strings.TrimSpace(opts.DefaultCountryPrefix)
	if prefix == "" {
		prefix = DefaultCountryPrefix
	}
	if !strings.HasPrefix(prefix, "+") {
		prefix = "+" + prefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PhoneMatcher{
		lookup: opts.Lookup,
		prefix: prefix,
		logger: logger,
	}
}

// Normalize returns the canonical +<country><subscriber> form and, when the
// number belongs to the default country, its national 0-prefixed variant.
func (m *PhoneMatcher) Normalize(raw string) (canonical, national string, ok bool) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "(0)", ""))
	plus := strings.HasPrefix(raw, "+")
	digits := DigitsOnly(raw)
	if digits == "" {
		return "", "", false
	}
	switch {
	case plus:
		canonical = "+" + digits
	case strings.HasPrefix(digits, "00"):
		canonical = "+" + digits[2:]
	case strings.HasPrefix(digits, "0"):
		canonical = m.prefix + digits[1:]
	default:
		canonical = m.prefix + digits
	}
	if len(canonical) <= 1 {
		return "", "", false
	}
	if strings.HasPrefix(canonical, m.prefix) && len(canonical) > len(m.prefix) {
		national = "0" + canonical[len(m.prefix):]
	}
	return canonical, national, true
}

// Resolve returns the single record for raw. Zero or several distinct
// candidates resolve to no match; ambiguity is logged and never broken.
func (m *PhoneMatcher) Resolve(ctx context.Context, raw string) (MatchedRecord, error) {
	if m == nil || m.lookup == nil {
		return MatchedRecord{}, ErrInvalidInput
	}
	canonical, national, ok := m.Normalize(raw)
	if !ok {
		return MatchedRecord{}, nil
	}
	ids, err := m.lookup.FindByPhone(ctx, canonical, national)
	if err != nil {
		return MatchedRecord{}, err
	}
	unique := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	switch len(unique) {
	case 0:
		return MatchedRecord{}, nil
	case 1:
		return MatchedRecord{RecordID: unique[0]}, nil
	default:
		m.logger.WarnContext(ctx, "ambiguous phone match, leaving call unresolved",
			"canonical", canonical,
			"candidates", len(unique),
			"recordIds", unique,
		)
		return MatchedRecord{}, nil
	}
}

// DigitsOnly strips everything except ASCII digits.
func DigitsOnly(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
