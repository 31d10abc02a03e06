package claudeapi

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/j-veylop/claude-usage-agent/internal/models"
)

// Organization is one entry of the organization discovery response.
type Organization struct {
	UUID  string
	Email string
}

// Usage tier keys of the usage response.
const (
	tierFiveHour     = "five_hour"
	tierSevenDay     = "seven_day"
	tierSevenDayOpus = "seven_day_opus"
	tierSevenDaySonn = "seven_day_sonnet"
)

// ParseOrganizations decodes `[{uuid, email_address?}, ...]`. Entries without
// a uuid are skipped; the body must be a JSON array.
func ParseOrganizations(body []byte) ([]Organization, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: organizations body is not JSON", ErrMalformedResponse)
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: organizations body is not an array", ErrMalformedResponse)
	}

	var orgs []Organization
	root.ForEach(func(_, value gjson.Result) bool {
		uuid := value.Get("uuid")
		if uuid.Type != gjson.String || uuid.String() == "" {
			return true
		}
		org := Organization{UUID: uuid.String()}
		if email := value.Get("email_address"); email.Type == gjson.String {
			org.Email = email.String()
		}
		orgs = append(orgs, org)
		return true
	})
	return orgs, nil
}

// ParseUsage decodes the usage response. The body must be a JSON object;
// missing or malformed tiers and fields read as 0% utilization with no reset.
func ParseUsage(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: usage body is not JSON", ErrMalformedResponse)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: usage body is not an object", ErrMalformedResponse)
	}

	return &models.UsageSnapshot{
		FetchedAt:    now,
		Session:      parseTier(root.Get(tierFiveHour)),
		Weekly:       parseTier(root.Get(tierSevenDay)),
		WeeklyOpus:   parseTier(root.Get(tierSevenDayOpus)),
		WeeklySonnet: parseTier(root.Get(tierSevenDaySonn)),
	}, nil
}

func parseTier(tier gjson.Result) models.QuotaReading {
	if !tier.IsObject() {
		return models.NewQuotaReading(0, nil)
	}

	var utilization float64
	if u := tier.Get("utilization"); u.Type == gjson.Number {
		utilization = u.Float()
	}

	var resetsAt *time.Time
	if r := tier.Get("resets_at"); r.Type == gjson.String {
		if t, ok := parseTimestamp(r.String()); ok {
			resetsAt = &t
		}
	}

	return models.NewQuotaReading(utilization, resetsAt)
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
