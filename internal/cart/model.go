package cart

import (
	"github.com/shopspring/decimal"
)

// Product is a display snapshot of a catalog product taken when the line was
// added or hydrated. It is a copy; staleness is tolerated until the next
// hydration.
type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Image      string          `json:"image,omitempty"`
	Stock      int             `json:"stock"`
	Category   string          `json:"category,omitempty"`
	Rating     float64         `json:"rating,omitempty"`
	NumReviews int             `json:"num_reviews,omitempty"`
}

// Options are the optional variant discriminators supplied with an addition.
type Options struct {
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

// Line is one purchasable unit in the cart.
type Line struct {
	// ID is the client-local identity. Derived from the merge key unless the
	// server supplied a distinct line id during hydration.
	ID       string  `json:"id"`
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
	Size     string  `json:"size,omitempty"`
	Color    string  `json:"color,omitempty"`

	// VariantID is the server-side SKU identity used for mutation calls.
	// Empty means mutations address the line by ID.
	VariantID string `json:"variant_id,omitempty"`
}

// Key returns the line's merge key.
func (l Line) Key() Key {
	return NewKey(l.Product.ID, l.Size, l.Color)
}

// Subtotal returns UnitPrice * Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.Product.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// RemoteID returns the identity to send to the backend for this line:
// the variant id when known, the line id otherwise.
func (l Line) RemoteID() string {
	if l.VariantID != "" {
		return l.VariantID
	}
	return l.ID
}

// State is the whole-cart aggregate.
//
// INVARIANTS (hold after every Reduce):
//   - Total == Σ line.UnitPrice * line.Quantity
//   - ItemCount == Σ line.Quantity
//   - every line has Quantity >= 1
//   - no two lines share a merge key
type State struct {
	Lines     []Line          `json:"items"`
	Total     decimal.Decimal `json:"total"`
	ItemCount int             `json:"item_count"`
}

// Empty returns the empty cart state.
func Empty() State {
	return State{Lines: []Line{}, Total: decimal.Zero}
}

// Line returns the line with the given id.
func (s State) Line(id string) (Line, bool) {
	for _, l := range s.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

// ContainsProduct reports whether any line holds the product, regardless of
// size, color, or variant.
func (s State) ContainsProduct(productID string) bool {
	for _, l := range s.Lines {
		if l.Product.ID == productID {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the cart has no lines.
func (s State) IsEmpty() bool {
	return len(s.Lines) == 0
}

// Clone returns a deep copy. Lines hold only value types, so copying the
// slice is sufficient.
func (s State) Clone() State {
	lines := make([]Line, len(s.Lines))
	copy(lines, s.Lines)
	return State{Lines: lines, Total: s.Total, ItemCount: s.ItemCount}
}

// withLines builds a State from lines and re-derives the totals.
func withLines(lines []Line) State {
	total := decimal.Zero
	count := 0
	for _, l := range lines {
		total = total.Add(l.Subtotal())
		count += l.Quantity
	}
	if lines == nil {
		lines = []Line{}
	}
	return State{Lines: lines, Total: total, ItemCount: count}
}
