package alegra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Invoice is the subset of an Alegra invoice the line-item table needs.
// Every other field of the response (observations, payments, subtotal, barCodeContent,
// total, numberTemplate, dueDate, stamp, warehouse, term, anotation, termsConditions,
// status, priceList, costCenter, paymentForm, type, discount, tax, balance,
// decimalPrecision, operationType, printingTemplate, station, retentions) is dropped
// during decoding.
//
// Fields use lenient wrapper types: the API returns numbers as strings, objects as
// plain names and nulls inconsistently. Coercion happens in the transform package.
type Invoice struct {
	ID            Number          `json:"id"`
	Date          Text            `json:"date"`
	Datetime      Text            `json:"datetime"`
	Client        Party           `json:"client"`
	Seller        Party           `json:"seller"`
	Items         json.RawMessage `json:"items"`
	PaymentMethod Text            `json:"paymentMethod"`
	TotalPaid     Number          `json:"totalPaid"`
}

// Item is one entry of an invoice's items array, reduced to
// {id, name, price, quantity, total}.
type Item struct {
	ID       Number `json:"id"`
	Name     Text   `json:"name"`
	Price    Number `json:"price"`
	Quantity Number `json:"quantity"`
	Total    Number `json:"total"`
}

// Number holds a JSON number, a numeric string or null. Decoding never fails; a value
// of the wrong shape is kept verbatim and rejected when converted.
type Number struct {
	Raw string
	Set bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*n = Number{}
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			n.Raw, n.Set = string(data), true
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		n.Raw, n.Set = s, true
	default:
		n.Raw, n.Set = string(data), true
	}
	return nil
}

// Float64 converts the value. An unset Number is an error; callers check Set first
// when a default applies.
func (n Number) Float64() (float64, error) {
	if !n.Set {
		return 0, fmt.Errorf("number not set")
	}
	f, err := strconv.ParseFloat(n.Raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", n.Raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %q", n.Raw)
	}
	return f, nil
}

// Int64 converts the value, truncating fractional parts toward zero.
func (n Number) Int64() (int64, error) {
	if !n.Set {
		return 0, fmt.Errorf("number not set")
	}
	if i, err := strconv.ParseInt(n.Raw, 10, 64); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f >= 0x1p63 || f < -0x1p63 {
		return 0, fmt.Errorf("out of range: %q", n.Raw)
	}
	return int64(f), nil
}

// Float64Or returns def when the number is unset.
func (n Number) Float64Or(def float64) (float64, error) {
	if !n.Set {
		return def, nil
	}
	return n.Float64()
}

// Int64Or returns def when the number is unset.
func (n Number) Int64Or(def int64) (int64, error) {
	if !n.Set {
		return def, nil
	}
	return n.Int64()
}

// Text holds a JSON string. Numbers are kept in their textual form; null, objects,
// arrays, booleans and blank strings leave it unset.
type Text struct {
	Value string
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*t = Text{}
	if len(data) == 0 {
		return nil
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		t.Value, t.Set = s, true
	case c == '-' || (c >= '0' && c <= '9'):
		t.Value, t.Set = string(data), true
	}
	return nil
}

// Or returns the value, or def when unset.
func (t Text) Or(def string) string {
	if !t.Set {
		return def
	}
	return t.Value
}

// Party is a client or seller reference. The API sends either an object with a name,
// a bare name string, or null.
type Party struct {
	Name string
	Set  bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Party) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*p = Party{}
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '{':
		var obj struct {
			Name Text `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		if obj.Name.Set {
			p.Name, p.Set = obj.Name.Value, true
		}
	case '"':
		var t Text
		if err := t.UnmarshalJSON(data); err != nil {
			return nil
		}
		if t.Set {
			p.Name, p.Set = t.Value, true
		}
	}
	return nil
}

// Or returns the name, or def when unset.
func (p Party) Or(def string) string {
	if !p.Set {
		return def
	}
	return p.Name
}

// DecodeItems splits an items payload into its object entries. A payload that is
// not an array yields no items; array entries that are not objects are discarded.
func DecodeItems(raw json.RawMessage) ([]Item, int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, 0, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, 0, fmt.Errorf("DecodeItems: decoding items array: %w", err)
	}
	items := make([]Item, 0, len(entries))
	discarded := 0
	for _, e := range entries {
		e = bytes.TrimSpace(e)
		if len(e) == 0 || e[0] != '{' {
			discarded++
			continue
		}
		var it Item
		if err := json.Unmarshal(e, &it); err != nil {
			return nil, discarded, fmt.Errorf("DecodeItems: decoding item: %w", err)
		}
		items = append(items, it)
	}
	return items, discarded, nil
}
