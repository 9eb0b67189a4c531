package dispatch

// GuardConfig drives the no-grid-charge safety interlock.
type GuardConfig struct {
	Enabled        bool    `json:"enabled"`
	ThresholdWatts float64 `json:"threshold_watts"`
	// SampleWindow is how many recent grid samples are averaged before the
	// threshold comparison.
	SampleWindow    int      `json:"sample_window"`
	BatteryKeywords []string `json:"battery_keywords"`
}

// Config drives the output dispatch engine.
type Config struct {
	Enabled          bool        `json:"enabled"`
	TickSeconds      int         `json:"tick_seconds"`
	HeartbeatSeconds int         `json:"heartbeat_seconds"`
	Guard            GuardConfig `json:"guard"`
	// DefaultRetryMax applies when a target does not configure its own.
	DefaultRetryMax int `json:"default_retry_max"`
}

// SetDefaults fills unset fields with production defaults.
func (c *Config) SetDefaults() {
	if c.TickSeconds <= 0 {
		c.TickSeconds = 10
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 300
	}
	if c.DefaultRetryMax < 0 {
		c.DefaultRetryMax = 0
	}
	if c.Guard.SampleWindow <= 0 {
		c.Guard.SampleWindow = 5
	}
	if len(c.Guard.BatteryKeywords) == 0 {
		c.Guard.BatteryKeywords = []string{"battery", "batt", "bat"}
	}
}
