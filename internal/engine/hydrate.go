package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/policy"
)

// ErrUnknownEnvelope is returned when a cart response matches none of the
// known shapes.
var ErrUnknownEnvelope = errors.New("unrecognized cart envelope")

// EnvelopeShape names a cart response shape.
type EnvelopeShape string

const (
	ShapeData     EnvelopeShape = "data"     // {"data":[{"items":[...]}]} or {"data":{"items":[...]}}
	ShapeItems    EnvelopeShape = "items"    // {"items":[...]}
	ShapeProducts EnvelopeShape = "products" // {"products":[...]}
)

// Normalized is the result of normalizing a cart envelope.
type Normalized struct {
	Shape   EnvelopeShape
	Lines   []cart.Line
	Dropped int
}

// NormalizeEnvelope decodes any known cart envelope into lines. Entries
// that cannot be normalized to a product id and a quantity >= 1 are
// dropped and counted, never returned as errors.
func NormalizeEnvelope(raw []byte, pol *policy.Policy) (Normalized, error) {
	shape, entries, err := splitEnvelope(raw)
	if err != nil {
		return Normalized{}, err
	}

	out := Normalized{Shape: shape, Lines: make([]cart.Line, 0, len(entries))}
	for _, e := range entries {
		line, ok := normalizeEntry(e, pol)
		if !ok {
			out.Dropped++
			continue
		}
		out.Lines = append(out.Lines, line)
	}
	return out, nil
}

func splitEnvelope(raw []byte) (EnvelopeShape, []json.RawMessage, error) {
	var env struct {
		Data     json.RawMessage `json:"data"`
		Items    json.RawMessage `json:"items"`
		Products json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnknownEnvelope, err)
	}

	switch {
	case present(env.Data):
		entries, err := dataEntries(env.Data)
		return ShapeData, entries, err
	case env.Data != nil:
		// "data": null is an empty cart.
		return ShapeData, nil, nil
	case present(env.Items):
		entries, err := entryList(env.Items)
		return ShapeItems, entries, err
	case present(env.Products):
		entries, err := entryList(env.Products)
		return ShapeProducts, entries, err
	case env.Items != nil:
		return ShapeItems, nil, nil
	case env.Products != nil:
		return ShapeProducts, nil, nil
	default:
		return "", nil, ErrUnknownEnvelope
	}
}

// dataEntries handles data as an array of carts (the first one wins) or as
// a single cart object.
func dataEntries(data json.RawMessage) ([]json.RawMessage, error) {
	type holder struct {
		Items json.RawMessage `json:"items"`
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var carts []holder
		if err := json.Unmarshal(trimmed, &carts); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrUnknownEnvelope, err)
		}
		if len(carts) == 0 {
			return nil, nil
		}
		return entryList(carts[0].Items)
	}

	var h holder
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrUnknownEnvelope, err)
	}
	return entryList(h.Items)
}

func entryList(raw json.RawMessage) ([]json.RawMessage, error) {
	if !present(raw) {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEnvelope, err)
	}
	return entries, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// rawEntry is one cart entry in any of the historical formats. Every
// scalar is tolerant of numbers-as-strings and ids-as-numbers.
type rawEntry struct {
	ID        flexString  `json:"id"`
	ProductID flexString  `json:"product_id"`
	Product   *rawProduct `json:"product"`
	Variant   *rawVariant `json:"variant"`
	VariantID flexString  `json:"variant_id"`
	Name      flexString  `json:"name"`
	Category  flexString  `json:"category"`
	Quantity  flexInt     `json:"quantity"`
	Price     flexDecimal `json:"price"`
	Stock     flexInt     `json:"stock"`
	Image     flexString  `json:"image"`
	Images    flexImages  `json:"images"`
	Size      flexString  `json:"size"`
	Color     flexString  `json:"color"`
}

type rawVariant struct {
	ID    flexString  `json:"id"`
	Price flexDecimal `json:"price"`
	Stock flexInt     `json:"stock"`
	Size  flexString  `json:"size"`
	Color flexString  `json:"color"`
}

// UnmarshalJSON accepts an embedded variant object or a bare variant id.
func (v *rawVariant) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		type plain rawVariant
		var pv plain
		if err := json.Unmarshal(trimmed, &pv); err != nil {
			return err
		}
		*v = rawVariant(pv)
		return nil
	}
	return v.ID.UnmarshalJSON(trimmed)
}

type rawProduct struct {
	ID         flexString  `json:"id"`
	Name       flexString  `json:"name"`
	Category   flexString  `json:"category"`
	Price      flexDecimal `json:"price"`
	Stock      flexInt     `json:"stock"`
	Image      flexString  `json:"image"`
	Images     flexImages  `json:"images"`
	Rating     flexDecimal `json:"rating"`
	NumReviews flexInt     `json:"num_reviews"`
}

// UnmarshalJSON accepts an embedded product object or a bare product id.
func (p *rawProduct) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		type plain rawProduct
		var v plain
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*p = rawProduct(v)
		return nil
	}
	return p.ID.UnmarshalJSON(trimmed)
}

func normalizeEntry(raw json.RawMessage, pol *policy.Policy) (cart.Line, bool) {
	var e rawEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return cart.Line{}, false
	}

	prod := rawProduct{}
	if e.Product != nil {
		prod = *e.Product
	}
	variant := rawVariant{}
	if e.Variant != nil {
		variant = *e.Variant
	}

	// In the products shape the entry is the product itself, and its id
	// is the product id rather than a line id.
	productID := firstString(prod.ID, e.ProductID)
	lineID := e.ID.Value
	if productID == "" {
		productID = e.ID.Value
		lineID = ""
	}
	if productID == "" {
		return cart.Line{}, false
	}

	quantity := 1
	if e.Quantity.Valid {
		quantity = e.Quantity.Value
	}
	if quantity < 1 {
		return cart.Line{}, false
	}

	price := decimal.Zero
	for _, p := range []flexDecimal{variant.Price, e.Price, prod.Price} {
		if p.Valid {
			price = p.Value
			break
		}
	}

	stock := pol.DefaultStockCeiling
	for _, s := range []flexInt{variant.Stock, e.Stock, prod.Stock} {
		if s.Valid {
			stock = s.Value
			break
		}
	}

	image := firstString(e.Images.first(), e.Image, prod.Images.first(), prod.Image)
	if image == "" {
		image = pol.PlaceholderImage
	}

	product := cart.Product{
		ID:        productID,
		Name:      firstString(prod.Name, e.Name),
		UnitPrice: price,
		Image:     image,
		Stock:     stock,
		Category:  firstString(prod.Category, e.Category),
	}
	if prod.Rating.Valid {
		product.Rating = prod.Rating.Value.InexactFloat64()
	}
	if prod.NumReviews.Valid {
		product.NumReviews = prod.NumReviews.Value
	}

	return cart.Line{
		ID:        lineID,
		Product:   product,
		Quantity:  quantity,
		Size:      firstString(e.Size, variant.Size),
		Color:     firstString(e.Color, variant.Color),
		VariantID: firstString(e.VariantID, variant.ID),
	}, true
}

// flexString decodes a JSON string or number. Anything else is absent.
type flexString struct {
	Value string
}

func (f *flexString) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		f.Value = strings.TrimSpace(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		f.Value = string(trimmed)
	}
	return nil
}

// firstString returns the first non-empty candidate.
func firstString(candidates ...flexString) string {
	for _, c := range candidates {
		if c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// flexInt decodes a JSON number or numeric string. Fractions truncate.
type flexInt struct {
	Value int
	Valid bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// Unparseable counts as absent so one bad field cannot sink the entry.
		return nil
	}
	f.Value = int(d.IntPart())
	f.Valid = true
	return nil
}

// flexDecimal decodes a JSON number or numeric string. Anything else is
// absent, so a bad price falls back instead of dropping the line.
type flexDecimal struct {
	Value decimal.Decimal
	Valid bool
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	f.Value = d
	f.Valid = true
	return nil
}

// flexImages decodes an array of image URLs or of {"url": ...} objects.
type flexImages []string

func (f *flexImages) UnmarshalJSON(b []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	for _, it := range items {
		var s flexString
		if err := s.UnmarshalJSON(it); err == nil && s.Value != "" {
			*f = append(*f, s.Value)
			continue
		}
		var obj struct {
			URL flexString `json:"url"`
		}
		if err := json.Unmarshal(it, &obj); err == nil && obj.URL.Value != "" {
			*f = append(*f, obj.URL.Value)
		}
	}
	return nil
}

func (f flexImages) first() flexString {
	if len(f) == 0 {
		return flexString{}
	}
	return flexString{Value: f[0]}
}
