package domain

import "time"

// PaymentRecord is one accrued payment owed to a recipient. Nonces form a
// gapless strictly-increasing sequence per recipient starting at 0.
type PaymentRecord struct {
	Nonce     uint64    `json:"nonce"`
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
	Settled   bool      `json:"settled"`
}

// PaymentBatch is a contiguous nonce slice of a recipient's records.
// Derived on demand, never stored.
type PaymentBatch struct {
	Recipient string `json:"recipient"`
	MinNonce  uint64 `json:"minNonce"`
	MaxNonce  uint64 `json:"maxNonce"`
	Amount    int64  `json:"amount"`
}
