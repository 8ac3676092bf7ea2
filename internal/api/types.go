package api

import "encoding/json"

// AgentRef identifies one participant in a cascade exchange.
type AgentRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// LiveEvent is one discrete, timestamped occurrence streamed from the
// cascade. MessageID is unique per event as far as the backend promises;
// consumers that survive reconnects should still deduplicate on it.
type LiveEvent struct {
	MessageID string   `json:"message_id"`
	Timestamp string   `json:"timestamp"`
	From      AgentRef `json:"from"`
	To        AgentRef `json:"to"`
	Type      string   `json:"type"`
	Summary   string   `json:"summary"`
	Detail    string   `json:"detail,omitempty"`
	Color     string   `json:"color,omitempty"`
	Icon      string   `json:"icon,omitempty"`
}

// CascadeProgress is the pull-based view of the remote process. It is the
// sole authority for whether the cascade is still active.
type CascadeProgress struct {
	Running  bool    `json:"running"`
	Progress float64 `json:"progress"`
}

// Report is the final cascade report. The synchronization layer treats it
// as an opaque blob; parsing its internals is the reporting consumer's job.
type Report = json.RawMessage

// TriggerRequest starts a new cascade run.
type TriggerRequest struct {
	Intent              string  `json:"intent,omitempty"`
	Budget              float64 `json:"budget"`
	ProductID           string  `json:"productId,omitempty"`
	Quantity            int     `json:"quantity,omitempty"`
	DesiredDeliveryDate string  `json:"desiredDeliveryDate,omitempty"`
}

// TriggerResponse acknowledges a started cascade.
type TriggerResponse struct {
	Status string `json:"status"`
	Intent string `json:"intent"`
}

// Product is one catalogue entry.
type Product struct {
	ProductID        string  `json:"product_id"`
	Name             string  `json:"name"`
	Category         string  `json:"category"`
	UnitPriceEUR     float64 `json:"unit_price_eur"`
	MinOrderQuantity int     `json:"min_order_quantity"`
	LeadTimeDays     int     `json:"lead_time_days"`
}

// Supplier is one entry of the supplier read model.
type Supplier struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Country    string  `json:"country"`
	TrustScore float64 `json:"trust_score"`
	Tier       string  `json:"tier,omitempty"`
}

// AgentInfo describes one agent in the remote directory.
type AgentInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status string `json:"status,omitempty"`
}
