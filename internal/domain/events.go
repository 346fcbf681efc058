package domain

import "time"

// DeliveryStateEvent is the message emitted by the delivery tracker when a shipment changes state.
type DeliveryStateEvent struct {
	EventID    string    `json:"event_id"`
	DealID     string    `json:"deal_id"`
	State      string    `json:"state"`
	Carrier    string    `json:"carrier,omitempty"`
	TrackingNo string    `json:"tracking_no,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EscrowEvent is published after an escrow record changes state.
type EscrowEvent struct {
	Type        string    `json:"type"`
	PaymentID   string    `json:"payment_id,omitempty"`
	DealID      string    `json:"deal_id,omitempty"`
	WalletLogID string    `json:"wallet_log_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	OccurredAt  time.Time `json:"occurred_at"`
}
