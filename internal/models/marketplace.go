package models

import (
	"time"

	"github.com/google/uuid"
)

// Sponsorship deal statuses relevant to settlement. Matching, applications
// and content review live outside the accounting core; only the
// approved -> paid settlement step touches money.
const (
	DealStatusContentSubmitted = "content_submitted"
	DealStatusApproved         = "approved"
	DealStatusPaid             = "paid"
)

// Product is a marketplace listing priced in credits.
type Product struct {
	ID           uuid.UUID `json:"id"`
	SellerUserID uuid.UUID `json:"seller_user_id"`
	Title        string    `json:"title"`
	PriceCredits int64     `json:"price_credits"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// SponsorshipDeal is a brokered deal that pays out to an influencer's wallet
// once their submitted content is approved.
type SponsorshipDeal struct {
	ID               uuid.UUID `json:"id"`
	InfluencerUserID uuid.UUID `json:"influencer_user_id"`
	SponsorUserID    uuid.UUID `json:"sponsor_user_id"`
	Amount           int64     `json:"amount"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
