package provider

import (
	"encoding/json"
	"strings"
	"time"
)

// Minimal representations of the provider objects carried in webhook payloads.
// Only the fields the projector reads are decoded.

// ExpandableID decodes a field that is either an id string or an expanded
// object with an "id".
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

type SubscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

// Object is the union of subscription, invoice and checkout session fields.
type Object struct {
	Object            string            `json:"object"`
	ID                string            `json:"id"`
	Customer          ExpandableID      `json:"customer"`
	Status            string            `json:"status"`
	Metadata          map[string]string `json:"metadata"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`

	// checkout.session
	Subscription      ExpandableID `json:"subscription"`
	ClientReferenceID string       `json:"client_reference_id"`

	// invoice
	NextPaymentAttempt  *int64 `json:"next_payment_attempt"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription ExpandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// DecodeObject accepts either the bare object or a full event envelope
// ({"object":"event","data":{"object":{...}}}).
func DecodeObject(raw []byte) (*Object, error) {
	var env struct {
		Object string `json:"object"`
		Data   struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Object == "event" && len(env.Data.Object) > 0 {
		raw = env.Data.Object
	}
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// SubscriptionID returns the subscription this object refers to.
func (o *Object) SubscriptionID() string {
	if o.Object == "subscription" || (o.Object == "" && strings.HasPrefix(o.ID, "sub_")) {
		return o.ID
	}
	if o.Subscription != "" {
		return string(o.Subscription)
	}
	return string(o.Parent.SubscriptionDetails.Subscription)
}

// OwnerHint returns an owner id embedded by the application when it created
// the checkout or subscription.
func (o *Object) OwnerHint() string {
	for _, md := range []map[string]string{o.Metadata, o.SubscriptionDetails.Metadata, o.Parent.SubscriptionDetails.Metadata} {
		for _, k := range []string{"owner_id", "user_id"} {
			if v := strings.TrimSpace(md[k]); v != "" {
				return v
			}
		}
	}
	return strings.TrimSpace(o.ClientReferenceID)
}

func (o *Object) FirstPriceID() string {
	for _, item := range o.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

// PeriodEnd prefers the top-level field and falls back to the first item,
// where newer API versions report it.
func (o *Object) PeriodEnd() *time.Time {
	ts := o.CurrentPeriodEnd
	if ts == 0 {
		for _, item := range o.Items.Data {
			if item.CurrentPeriodEnd > 0 {
				ts = item.CurrentPeriodEnd
				break
			}
		}
	}
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
