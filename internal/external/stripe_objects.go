package external

import (
	"bytes"
	"encoding/json"
	"time"

	"billingengine/internal/types"
)

// Event is a verified processor webhook envelope. Data holds the raw
// data.object payload.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Data     json.RawMessage
}

// Customer is a processor customer.
type Customer struct {
	ID       string
	Email    string
	Deleted  bool
	Metadata map[string]string
}

// Subscription is a processor subscription reduced to the fields the engine
// mirrors.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// Sync converts the processor subscription into a partial record update.
// Statuses outside the local enum are dropped so the stored status is kept.
func (s *Subscription) Sync() types.SubscriptionSync {
	out := types.SubscriptionSync{
		ProcessorCustomerID:     optional(s.CustomerID),
		ProcessorSubscriptionID: optional(s.ID),
		PriceID:                 optional(s.PriceID),
		CurrentPeriodStart:      s.CurrentPeriodStart,
		CurrentPeriodEnd:        s.CurrentPeriodEnd,
		CancelAtPeriodEnd:       &s.CancelAtPeriodEnd,
	}
	if st := types.SubscriptionStatus(s.Status); st.Valid() {
		out.Status = st
	}
	return out
}

// Invoice is a processor invoice.
type Invoice struct {
	ID             string
	CustomerID     string
	CustomerEmail  string
	Status         string
	AmountPaid     int64
	SubscriptionID string
	PriceID        string
	PeriodEnd      *time.Time
}

// CheckoutSession is a completed hosted checkout.
type CheckoutSession struct {
	ID                string
	CustomerID        string
	ClientReferenceID string
	CustomerEmail     string
	SubscriptionID    string
	Mode              string
}

// expandableID decodes a reference that the processor sends either as a bare
// id string or as an expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type wireCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

// Newer API versions moved the billing period from the subscription onto its
// items; both locations are read.
type wireSubscription struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// Newer API versions moved the subscription reference under
// parent.subscription_details and the line price under pricing.price_details.
type wireInvoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Status        string       `json:"status"`
	AmountPaid    int64        `json:"amount_paid"`
	Subscription  expandableID `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price expandableID `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type wireCheckoutSession struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	ClientReferenceID string       `json:"client_reference_id"`
	CustomerEmail     string       `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Subscription expandableID `json:"subscription"`
	Mode         string       `json:"mode"`
}

func payloadError(kind string, err error) error {
	return types.NewAppError(types.ErrCodeValidationWebhookPayload, "malformed "+kind+" payload", err)
}

// ParseSubscription decodes a subscription object.
func ParseSubscription(raw []byte) (*Subscription, error) {
	var w wireSubscription
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, payloadError("subscription", err)
	}
	if w.ID == "" {
		return nil, payloadError("subscription", nil)
	}
	sub := &Subscription{
		ID:                 w.ID,
		CustomerID:         string(w.Customer),
		Status:             w.Status,
		CancelAtPeriodEnd:  w.CancelAtPeriodEnd,
		CurrentPeriodStart: unixTime(w.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(w.CurrentPeriodEnd),
	}
	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		sub.PriceID = item.Price.ID
		if sub.CurrentPeriodStart == nil {
			sub.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		}
		if sub.CurrentPeriodEnd == nil {
			sub.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}
	return sub, nil
}

// ParseInvoice decodes an invoice object.
func ParseInvoice(raw []byte) (*Invoice, error) {
	var w wireInvoice
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, payloadError("invoice", err)
	}
	if w.ID == "" {
		return nil, payloadError("invoice", nil)
	}
	inv := &Invoice{
		ID:             w.ID,
		CustomerID:     string(w.Customer),
		CustomerEmail:  w.CustomerEmail,
		Status:         w.Status,
		AmountPaid:     w.AmountPaid,
		SubscriptionID: string(w.Subscription),
	}
	if inv.SubscriptionID == "" && w.Parent != nil && w.Parent.SubscriptionDetails != nil {
		inv.SubscriptionID = string(w.Parent.SubscriptionDetails.Subscription)
	}
	for _, line := range w.Lines.Data {
		switch {
		case line.Price != nil && line.Price.ID != "":
			inv.PriceID = line.Price.ID
		case line.Pricing != nil && line.Pricing.PriceDetails != nil:
			inv.PriceID = string(line.Pricing.PriceDetails.Price)
		}
		if inv.PeriodEnd == nil {
			inv.PeriodEnd = unixTime(line.Period.End)
		}
		if inv.PriceID != "" {
			break
		}
	}
	return inv, nil
}

// ParseCheckoutSession decodes a checkout session object.
func ParseCheckoutSession(raw []byte) (*CheckoutSession, error) {
	var w wireCheckoutSession
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, payloadError("checkout session", err)
	}
	if w.ID == "" {
		return nil, payloadError("checkout session", nil)
	}
	cs := &CheckoutSession{
		ID:                w.ID,
		CustomerID:        string(w.Customer),
		ClientReferenceID: w.ClientReferenceID,
		CustomerEmail:     w.CustomerEmail,
		SubscriptionID:    string(w.Subscription),
		Mode:              w.Mode,
	}
	if cs.CustomerEmail == "" && w.CustomerDetails != nil {
		cs.CustomerEmail = w.CustomerDetails.Email
	}
	return cs, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
