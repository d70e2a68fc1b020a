package cart

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key is the (product id, size, color) merge key. Two additions with the same
// key join one line; a different size or color is a distinct line.
type Key struct {
	ProductID string
	Size      string
	Color     string
}

// NewKey builds a merge key, NFC-normalizing and trimming the discriminators.
func NewKey(productID, size, color string) Key {
	return Key{
		ProductID: productID,
		Size:      normalizeLabel(size),
		Color:     normalizeLabel(color),
	}
}

// LineID derives the client-local line id: the product id, followed by
// "@size" and "#color" when present.
//
//	NewKey("P1", "", "").LineID()     // "P1"
//	NewKey("P1", "M", "").LineID()    // "P1@M"
//	NewKey("P1", "M", "red").LineID() // "P1@M#red"
func (k Key) LineID() string {
	var b strings.Builder
	b.WriteString(k.ProductID)
	if k.Size != "" {
		b.WriteByte('@')
		b.WriteString(k.Size)
	}
	if k.Color != "" {
		b.WriteByte('#')
		b.WriteString(k.Color)
	}
	return b.String()
}

func normalizeLabel(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
