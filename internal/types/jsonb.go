package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*FeatureFlags)(nil)
	_ driver.Valuer = FeatureFlags(nil)
)

// FeatureFlags is the JSONB flag block stored on plan_features.
type FeatureFlags map[Feature]bool

// Enabled reports whether f is switched on. Unknown flags are off.
func (ff FeatureFlags) Enabled(f Feature) bool {
	return ff[f]
}

// Clone returns an independent copy.
func (ff FeatureFlags) Clone() FeatureFlags {
	if ff == nil {
		return nil
	}
	out := make(FeatureFlags, len(ff))
	for k, v := range ff {
		out[k] = v
	}
	return out
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (ff *FeatureFlags) Scan(value interface{}) error {
	if value == nil {
		*ff = nil
		return nil
	}
	return scanJSONB(ff, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (ff FeatureFlags) Value() (driver.Value, error) {
	if ff == nil {
		return nil, nil
	}
	return json.Marshal(map[Feature]bool(ff))
}

// scanJSONB scans a JSONB database value into a Go pointer.
// It handles []byte and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}
