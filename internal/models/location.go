package models

// Coordinates is a single geolocation reading as delivered by the platform
// provider. Immutable once captured.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`  // degrees, [-90, 90]
	Longitude float64 `json:"longitude"` // degrees, [-180, 180]
	Accuracy  float64 `json:"accuracy"`  // meters, >= 0
	Timestamp int64   `json:"timestamp"` // epoch milliseconds
}

// IsZero reports whether the reading is the origin sentinel (no prior fix).
func (c Coordinates) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// TrustVerdict is the outcome of running a reading through the trust
// evaluator. Recomputed on every reading or precision-mode change; never
// persisted across sessions.
type TrustVerdict struct {
	IsValid        bool   `json:"isValid"`
	Message        string `json:"message,omitempty"`
	SuspicionScore int    `json:"suspicionScore"`
}

// FingerprintRecord is the persisted device fingerprint bookkeeping.
// MismatchStreak counts consecutive hash mismatches; it resets to 0 on a
// match and the fingerprint is treated as untrustworthy once it reaches 3.
type FingerprintRecord struct {
	Hash           string `json:"hash"`
	CapturedAtMs   int64  `json:"capturedAtMs"`
	MismatchStreak int    `json:"mismatchStreak"`
}
