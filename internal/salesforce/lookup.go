package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/rinkelrelay/internal/relay"
)

const (
	searchSuffixDigits = 8
	minSuffixDigits    = 6
	tailCompareDigits  = 9
	candidateLimit     = 50
)

// SearchSuffix is the LIKE needle for a number: its last eight digits.
func SearchSuffix(number string) string {
	digits := relay.DigitsOnly(number)
	if len(digits) > searchSuffixDigits {
		return digits[len(digits)-searchSuffixDigits:]
	}
	return digits
}

// PhonesMatch compares the trailing digits of two numbers, up to nine, so
// formatting and trailing remarks in stored values do not matter.
func PhonesMatch(number, stored string) bool {
	a := relay.DigitsOnly(number)
	b := relay.DigitsOnly(stored)
	if a == "" || b == "" {
		return false
	}
	tail := min(tailCompareDigits, len(a), len(b))
	return a[len(a)-tail:] == b[len(b)-tail:]
}

// FindByPhone returns the ids of Weborder records whose phone field matches
// the canonical number, newest first.
func (c *Client) FindByPhone(ctx context.Context, canonical, national string) ([]string, error) {
	number := canonical
	if strings.TrimSpace(number) == "" {
		number = national
	}
	suffix := SearchSuffix(number)
	if len(suffix) < minSuffixDigits {
		c.logger.WarnContext(ctx, "phone number too short to look up", "number", number)
		return nil, nil
	}

	result, err := c.Query(ctx, c.weborderQuery(suffix))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, record := range result.Records {
		stored := record.String(c.phoneField)
		if !PhonesMatch(number, stored) && (national == "" || !PhonesMatch(national, stored)) {
			continue
		}
		id := record.String("Id")
		if id == "" {
			continue
		}
		c.logger.DebugContext(ctx, "weborder phone match", "record", record.String("Name"), "stored", stored, "suffix", suffix)
		ids = append(ids, id)
		if c.matchNewest {
			break
		}
	}
	if len(ids) == 0 {
		c.logger.InfoContext(ctx, "no weborder for phone number", "suffix", suffix, "candidates", result.TotalSize)
	}
	return ids, nil
}

func (c *Client) weborderQuery(suffix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT Id, Name, %s FROM %s WHERE %s LIKE '%%%s%%'", c.phoneField, c.object, c.phoneField, escapeSOQL(suffix))
	if c.statusFilter != "" {
		fmt.Fprintf(&b, " AND %s = '%s'", c.statusField, escapeSOQL(c.statusFilter))
	}
	fmt.Fprintf(&b, " ORDER BY CreatedDate DESC LIMIT %d", candidateLimit)
	return b.String()
}

type WeborderSample struct {
	ID    string
	Name  string
	Phone string
}

// SampleWeborders lists a few records with a filled phone field, to check
// the configured object and field names.
func (c *Client) SampleWeborders(ctx context.Context, limit int) ([]WeborderSample, error) {
	if limit <= 0 {
		limit = 5
	}
	soql := fmt.Sprintf("SELECT Id, Name, %s FROM %s WHERE %s != null LIMIT %d", c.phoneField, c.object, c.phoneField, limit)
	result, err := c.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	samples := make([]WeborderSample, 0, len(result.Records))
	for _, record := range result.Records {
		samples = append(samples, WeborderSample{
			ID:    record.String("Id"),
			Name:  record.String("Name"),
			Phone: record.String(c.phoneField),
		})
	}
	return samples, nil
}

func escapeSOQL(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return replacer.Replace(value)
}
