package crm

import (
	"errors"
	"regexp"
	"time"
)

// The vendor's record schema drifts. We store payloads undecoded and expose
// typed accessors only for the handful of fields the core actually reads.

var numericID = regexp.MustCompile(`^[0-9]+$`)

// Extracted holds the parsed envelope of a vendor record payload.
type Extracted struct {
	ExternalID string
	OwnerEmail string
	OwnerName  string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Deleted    bool
}

// GetString safely extracts a string value from a map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetMap safely extracts a nested map from a map
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		if mm, ok2 := v.(map[string]any); ok2 {
			return mm, true
		}
	}
	return nil, false
}

// ParseTime converts the vendor's timestamp formats to UTC.
// Accepts RFC3339 with or without sub-second precision, and the vendor's
// offset-less "2006-01-02T15:04:05" variant (interpreted as UTC).
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// firstString returns the first present string among candidate keys.
func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := GetString(m, k); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Extract parses the common envelope from a vendor record payload.
// Tolerant of the vendor's field naming drift (id vs Id, Modified_Time vs
// modifiedTime); missing id or modified time is an error, everything else
// defaults.
func Extract(payload map[string]any) (Extracted, error) {
	var out Extracted

	id, ok := firstString(payload, "id", "Id", "record_id")
	if !ok {
		return out, errors.New("missing record id")
	}
	if !numericID.MatchString(id) {
		return out, errors.New("record id is not numeric")
	}
	out.ExternalID = id

	if s, ok := firstString(payload, "Modified_Time", "modified_time", "modifiedTime"); ok {
		if t, ok2 := ParseTime(s); ok2 {
			out.ModifiedAt = t
		}
	}
	if out.ModifiedAt.IsZero() {
		return out, errors.New("missing or invalid Modified_Time")
	}

	if s, ok := firstString(payload, "Created_Time", "created_time", "createdTime"); ok {
		if t, ok2 := ParseTime(s); ok2 {
			out.CreatedAt = t
		}
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = out.ModifiedAt
	}

	if owner, ok := GetMap(payload, "Owner"); ok {
		out.OwnerEmail, _ = GetString(owner, "email")
		out.OwnerName, _ = GetString(owner, "name")
	}

	if del, ok := payload["deleted"].(bool); ok {
		out.Deleted = del
	}

	return out, nil
}

// Tombstone returns a copy of payload marked deleted. Vendor deletions never
// remove rows; the mark is the durable record of the delete event.
func Tombstone(payload map[string]any, at time.Time) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["deleted"] = true
	out["Modified_Time"] = at.UTC().Format(time.RFC3339)
	return out
}
