// Package normalize derives the event time and the dedup fingerprint
// for an admitted webhook payload. The raw payload itself is never
// modified; executions carry the original bytes.
package normalize

import (
	"strconv"
	"time"

	"github.com/cybersentinel/soar/internal/shared/canonical"
)

// Sources for the resolved event time, most to least trusted.
const (
	SourceEventTime = "event_time"
	SourceTimestamp = "timestamp"
	SourceAtStamp   = "@timestamp"
	SourceArrival   = "arrival"
)

// identityKeys maps each fingerprint field to the payload keys that may
// carry it, in lookup order. Only fields present in the payload feed
// the fingerprint.
var identityKeys = []struct {
	name    string
	aliases []string
}{
	{"severity", []string{"severity"}},
	{"source", []string{"source", "source_system", "vendor"}},
	{"category", []string{"category", "event_category"}},
	{"event_type", []string{"event_type", "type"}},
	{"source_ip", []string{"source_ip", "src_ip"}},
	{"destination_ip", []string{"destination_ip", "dst_ip"}},
	{"user", []string{"user", "username"}},
	{"host", []string{"host", "hostname"}},
	{"alert_id", []string{"alert_id"}},
}

// Normalized is the envelope derived from one admitted delivery.
type Normalized struct {
	EventTime       time.Time
	EventTimeSource string
	Fingerprint     string
	Identity        map[string]any
}

// Normalize resolves the event time from the payload and computes the
// dedup fingerprint. Two deliveries of the same underlying event hash
// identically when their identity fields and minute bucket agree.
func Normalize(webhookID string, payload map[string]any, arrival time.Time) Normalized {
	eventTime, source := resolveEventTime(payload, arrival)

	identity := make(map[string]any, len(identityKeys))
	for _, entry := range identityKeys {
		for _, key := range entry.aliases {
			if v, ok := payload[key]; ok {
				identity[entry.name] = v
				break
			}
		}
	}

	subset, err := canonical.Marshal(identity)
	if err != nil {
		// Identity values came out of decoded JSON, so this only
		// trips on NaN or similar non-encodable injections.
		subset = []byte("{}")
	}
	bucket := eventTime.Unix() / 60

	return Normalized{
		EventTime:       eventTime.UTC(),
		EventTimeSource: source,
		Fingerprint:     canonical.Digest(webhookID, string(subset), strconv.FormatInt(bucket, 10)),
		Identity:        identity,
	}
}

func resolveEventTime(payload map[string]any, arrival time.Time) (time.Time, string) {
	for _, key := range []string{SourceEventTime, SourceTimestamp, SourceAtStamp} {
		if v, ok := payload[key]; ok {
			if ts, ok := parseTime(v); ok {
				return ts, key
			}
		}
	}
	return arrival.UTC(), SourceArrival
}

// parseTime accepts RFC 3339 strings and Unix epochs in seconds or
// milliseconds. Epochs at or above 1e12 are read as milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), true
		}
		if epoch, err := strconv.ParseFloat(t, 64); err == nil {
			return fromEpoch(epoch), true
		}
		return time.Time{}, false
	case float64:
		return fromEpoch(t), true
	case int64:
		return fromEpoch(float64(t)), true
	case int:
		return fromEpoch(float64(t)), true
	default:
		return time.Time{}, false
	}
}

func fromEpoch(epoch float64) time.Time {
	if epoch >= 1e12 {
		return time.UnixMilli(int64(epoch)).UTC()
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
