package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// zoneLayouts lists the timestamp formats the storage zone has been
// observed to emit, tried in order. The zone is not strict about
// fractional seconds or the trailing offset, so plain RFC3339 is kept
// as the final fallback.
var zoneLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// zoneTime wraps time.Time with a tolerant JSON unmarshaler matching the
// zone's timestamp fields (LastChanged, DateCreated).
type zoneTime struct {
	Time time.Time
}

// MarshalJSON renders the time using the zone's primary layout, so an
// encoded Object carries timestamps in the same shape the real zone emits.
// The fixture backends format their own timestamps and do not call it.
func (t zoneTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(zoneLayouts[0]))
}

// UnmarshalJSON tries each known zone timestamp layout in turn.
func (t *zoneTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range zoneLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("backend: unrecognized timestamp %q: %w", s, lastErr)
}
