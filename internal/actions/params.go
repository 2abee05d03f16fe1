package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"journeygate/internal/domain"
	"journeygate/internal/journey"
)

// Params is the typed payload of one action type.
type Params interface {
	Validate() error
}

type SearchParams struct {
	Area     string `json:"area,omitempty"`
	Query    string `json:"query,omitempty"`
	Layout   string `json:"layout,omitempty"`
	MinPrice int64  `json:"min_price,omitempty"`
	MaxPrice int64  `json:"max_price,omitempty"`
}

func (p SearchParams) Validate() error {
	if p.MinPrice < 0 || p.MaxPrice < 0 {
		return errors.New("prices must not be negative")
	}
	if p.MaxPrice > 0 && p.MinPrice > p.MaxPrice {
		return errors.New("min_price exceeds max_price")
	}
	return nil
}

type PropertyParams struct {
	PropertyID string `json:"property_id"`
}

func (p PropertyParams) Validate() error { return require("property_id", p.PropertyID) }

type DocumentParams struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind,omitempty"`
}

func (p DocumentParams) Validate() error { return require("document_id", p.DocumentID) }

type MarketParams struct {
	Area string `json:"area"`
}

func (p MarketParams) Validate() error { return require("area", p.Area) }

type ViewingParams struct {
	PropertyID  string `json:"property_id"`
	PreferredAt string `json:"preferred_at,omitempty"`
}

func (p ViewingParams) Validate() error {
	if err := require("property_id", p.PropertyID); err != nil {
		return err
	}
	if p.PreferredAt != "" {
		if _, err := time.Parse(time.RFC3339, p.PreferredAt); err != nil {
			return errors.New("preferred_at must be RFC3339")
		}
	}
	return nil
}

type OfferParams struct {
	PropertyID string `json:"property_id"`
	Amount     int64  `json:"amount"`
}

func (p OfferParams) Validate() error {
	if err := require("property_id", p.PropertyID); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type LoanParams struct {
	Amount     int64  `json:"amount"`
	Lender     string `json:"lender,omitempty"`
	PropertyID string `json:"property_id,omitempty"`
}

func (p LoanParams) Validate() error {
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// AdvanceParams carries the journey event an approved journey.advance sends.
type AdvanceParams struct {
	Event journey.Event `json:"event"`
}

func (p AdvanceParams) Validate() error { return p.Event.Validate() }

// ContractReviewParams may be empty: a buyer can ask for review before a
// specific contract exists.
type ContractReviewParams struct {
	PropertyID string `json:"property_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

func (ContractReviewParams) Validate() error { return nil }

type NegotiationParams struct {
	PropertyID  string `json:"property_id"`
	TargetPrice int64  `json:"target_price,omitempty"`
}

func (p NegotiationParams) Validate() error {
	if err := require("property_id", p.PropertyID); err != nil {
		return err
	}
	if p.TargetPrice < 0 {
		return errors.New("target_price must not be negative")
	}
	return nil
}

type LegalParams struct {
	Question string `json:"question"`
}

func (p LegalParams) Validate() error { return require("question", p.Question) }

// GenericParams backs action types registered at runtime without a schema.
type GenericParams map[string]any

func (GenericParams) Validate() error { return nil }

var schemas = map[string]func() Params{
	"property.search":      func() Params { return &SearchParams{} },
	"property.detail":      func() Params { return &PropertyParams{} },
	"pricing.predict":      func() Params { return &PropertyParams{} },
	"document.analyze":     func() Params { return &DocumentParams{} },
	"market.trends":        func() Params { return &MarketParams{} },
	"viewing.schedule":     func() Params { return &ViewingParams{} },
	"offer.submit":         func() Params { return &OfferParams{} },
	"loan.preapproval":     func() Params { return &LoanParams{} },
	"journey.advance":      func() Params { return &AdvanceParams{} },
	"contract.review":      func() Params { return &ContractReviewParams{} },
	"negotiation.price":    func() Params { return &NegotiationParams{} },
	"legal.interpretation": func() Params { return &LegalParams{} },
}

// DecodeParams parses raw JSON into the action's params type and returns the
// value with its canonical encoding. Unknown fields are rejected.
func DecodeParams(typeID string, raw json.RawMessage) (Params, json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	mk, ok := schemas[typeID]
	var p Params
	if ok {
		p = mk()
	} else {
		p = &GenericParams{}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, nil, fmt.Errorf("%w for %s: %v", domain.ErrInvalidParams, typeID, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w for %s: trailing data after params object", domain.ErrInvalidParams, typeID)
	}
	if err := p.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w for %s: %v", domain.ErrInvalidParams, typeID, err)
	}
	canon, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return p, canon, nil
}

func require(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
