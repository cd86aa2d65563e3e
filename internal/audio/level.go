package audio

import "math"

const (
	// MinDB is the silence floor reported by capture devices.
	MinDB = -160.0
	// MaxDB is full scale.
	MaxDB = 0.0
	// MaxLevel is the top of the normalized level scale.
	MaxLevel = 100.0
)

// Normalize maps a device-reported loudness in dB onto the linear 0-100 level scale.
// A nil reading is treated as the silence floor.
func Normalize(db *float64) float64 {
	if db == nil {
		return 0
	}
	return NormalizeDB(*db)
}

// NormalizeDB is Normalize for a reading that is known to be present.
func NormalizeDB(db float64) float64 {
	if math.IsNaN(db) {
		return 0
	}
	level := (db - MinDB) / (MaxDB - MinDB) * MaxLevel
	return min(max(level, 0), MaxLevel)
}
