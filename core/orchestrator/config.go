package orchestrator

import "github.com/hemsd/hemsd/core/optimizer"

// BackfillConfig bounds the price-history backfill triggered by
// prediction-refresh runs with a "prices" scope.
type BackfillConfig struct {
	Enabled                bool `json:"enabled"`
	MinCoverageHours       int  `json:"min_coverage_hours"`
	CooldownMinutes        int  `json:"cooldown_minutes"`
	RecoveryTimeoutSeconds int  `json:"recovery_timeout_seconds"`
}

// Config drives the run orchestrator. SetDefaults fills the zero values.
type Config struct {
	// AutoRun enables the collector and aligned scheduler run paths.
	AutoRun             bool `json:"auto_run"`
	PollIntervalSeconds int  `json:"poll_interval_seconds"`

	// Aligned scheduler: minute-of-hour slots plus an intra-minute delay.
	AlignedEnabled   bool  `json:"aligned_enabled"`
	Slots            []int `json:"slots"`
	SlotDelaySeconds int   `json:"slot_delay_seconds"`

	// Warm-up detection.
	WarmupGraceSeconds         int      `json:"warmup_grace_seconds"`
	WarmupStartupWindowSeconds int      `json:"warmup_startup_window_seconds"`
	WarmupPatterns             []string `json:"warmup_patterns"`
	NotConfiguredPatterns      []string `json:"not_configured_patterns"`
	NoSolutionPatterns         []string `json:"no_solution_patterns"`

	// Force-run pulse: the optimizer's cycle interval is dropped to
	// PulseIntervalSeconds to provoke an immediate internal run, then health
	// is polled until last_run_datetime advances or PulseTimeoutSeconds pass.
	PulseIntervalSeconds int `json:"pulse_interval_seconds"`
	PulseTimeoutSeconds  int `json:"pulse_timeout_seconds"`
	PulsePollSeconds     int `json:"pulse_poll_seconds"`

	// Legacy direct-optimize fallback when the pulse times out.
	LegacyFallbackEnabled bool `json:"legacy_fallback_enabled"`

	// Pre-run extras.
	PreRunPredictionRefresh bool   `json:"pre_run_prediction_refresh"`
	PushMeasurements        bool   `json:"push_measurements"`
	GridPowerMeasurementKey string `json:"grid_power_measurement_key"`

	// Horizon safety cap applied before every force run.
	HorizonCapHours int `json:"horizon_cap_hours"`

	// Ordered config-document paths, first existing path wins. Resolved once
	// per loaded config document.
	HorizonPaths       []string `json:"horizon_paths"`
	CycleIntervalPaths []string `json:"cycle_interval_paths"`
	CycleModePaths     []string `json:"cycle_mode_paths"`
	PVProviderPaths    []string `json:"pv_provider_paths"`

	// Document wait: plan/solution 404s are tolerated for this grace period.
	DocumentWaitSeconds int `json:"document_wait_seconds"`
	DocumentPollSeconds int `json:"document_poll_seconds"`

	// Prediction refresh.
	PVImportProvider string `json:"pv_import_provider"`
	PVProviderID     string `json:"pv_provider_id"`
	PriceProviderID  string `json:"price_provider_id"`
	LoadProviderID   string `json:"load_provider_id"`
	MarketPriceKey   string `json:"market_price_key"`
	FeedInImportPath string `json:"feed_in_import_path"`
	PriceHistoryKey  string `json:"price_history_key"`

	Backfill BackfillConfig        `json:"backfill"`
	Retry    optimizer.RetryConfig `json:"-"`
}

// SetDefaults fills unset fields with production defaults.
func (c *Config) SetDefaults() {
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 30
	}
	if len(c.Slots) == 0 {
		c.Slots = []int{0, 15, 30, 45}
	}
	if c.SlotDelaySeconds <= 0 {
		c.SlotDelaySeconds = 5
	}
	if c.WarmupGraceSeconds <= 0 {
		c.WarmupGraceSeconds = 300
	}
	if c.WarmupStartupWindowSeconds <= 0 {
		c.WarmupStartupWindowSeconds = 900
	}
	if len(c.WarmupPatterns) == 0 {
		c.WarmupPatterns = []string{"did you configure automatic optimization"}
	}
	if len(c.NotConfiguredPatterns) == 0 {
		c.NotConfiguredPatterns = []string{"automatic optimization is not configured"}
	}
	if len(c.NoSolutionPatterns) == 0 {
		c.NoSolutionPatterns = []string{"no solution stored"}
	}
	if c.PulseIntervalSeconds <= 0 {
		c.PulseIntervalSeconds = 5
	}
	if c.PulseTimeoutSeconds <= 0 {
		c.PulseTimeoutSeconds = 180
	}
	if c.PulsePollSeconds <= 0 {
		c.PulsePollSeconds = 2
	}
	if c.HorizonCapHours <= 0 {
		c.HorizonCapHours = 48
	}
	if len(c.HorizonPaths) == 0 {
		c.HorizonPaths = []string{"prediction.hours", "server.prediction_hours"}
	}
	if len(c.CycleIntervalPaths) == 0 {
		c.CycleIntervalPaths = []string{"ems.interval", "server.ems_interval"}
	}
	if len(c.CycleModePaths) == 0 {
		c.CycleModePaths = []string{"ems.mode", "server.ems_mode"}
	}
	if len(c.PVProviderPaths) == 0 {
		c.PVProviderPaths = []string{"pvforecast.provider", "prediction.pvforecast_provider"}
	}
	if c.DocumentWaitSeconds <= 0 {
		c.DocumentWaitSeconds = 60
	}
	if c.DocumentPollSeconds <= 0 {
		c.DocumentPollSeconds = 2
	}
	if c.GridPowerMeasurementKey == "" {
		c.GridPowerMeasurementKey = "grid_import_power_w"
	}
	if c.PVProviderID == "" {
		c.PVProviderID = "pv_forecast"
	}
	if c.PVImportProvider == "" {
		c.PVImportProvider = "pv_import"
	}
	if c.PriceProviderID == "" {
		c.PriceProviderID = "price_forecast"
	}
	if c.LoadProviderID == "" {
		c.LoadProviderID = "load_forecast"
	}
	if c.MarketPriceKey == "" {
		c.MarketPriceKey = "market_price_wh"
	}
	if c.FeedInImportPath == "" {
		c.FeedInImportPath = "feedintariff.import.values"
	}
	if c.PriceHistoryKey == "" {
		c.PriceHistoryKey = "market_price_wh"
	}
	if c.Backfill.MinCoverageHours <= 0 {
		c.Backfill.MinCoverageHours = 24
	}
	if c.Backfill.CooldownMinutes <= 0 {
		c.Backfill.CooldownMinutes = 120
	}
	if c.Backfill.RecoveryTimeoutSeconds <= 0 {
		c.Backfill.RecoveryTimeoutSeconds = 120
	}
}
