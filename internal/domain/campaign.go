package domain

import "time"

// CampaignRecipient is one destination in a bulk campaign, with its
// per-recipient template variables.
type CampaignRecipient struct {
	Destination string            `json:"destination"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Campaign is a single bulk-send request. It is expanded into one Message per
// recipient when the bulk processor picks it up, then discarded.
type Campaign struct {
	ID         string              `json:"id"`
	Template   string              `json:"template"`
	Recipients []CampaignRecipient `json:"recipients"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// DailyStats is one day of delivery-tracking counters.
type DailyStats struct {
	Date      string `json:"date"` // YYYY-MM-DD, UTC
	Checked   int64  `json:"checked"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Pending   int64  `json:"pending"`
}
