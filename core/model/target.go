package model

// OutputTarget configures the webhook receiver for one resource. Targets are
// read-only to the dispatch engine.
type OutputTarget struct {
	ResourceID     string            `json:"resource_id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Enabled        bool              `json:"enabled"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	RetryMax       int               `json:"retry_max"`
	// Template is merged under the instruction fields of each payload.
	Template map[string]any `json:"template,omitempty"`
}
