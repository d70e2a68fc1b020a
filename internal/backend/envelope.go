package backend

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Envelope selects which historical shape GET /cart renders.
type Envelope string

const (
	EnvelopeData     Envelope = "data"     // {"data":[{"id":user,"items":[...]}]}
	EnvelopeItems    Envelope = "items"    // {"items":[...]}
	EnvelopeProducts Envelope = "products" // {"products":[...]} flattened
)

// ParseEnvelope validates an envelope name. Empty means EnvelopeItems.
func ParseEnvelope(s string) (Envelope, error) {
	switch Envelope(s) {
	case "":
		return EnvelopeItems, nil
	case EnvelopeData, EnvelopeItems, EnvelopeProducts:
		return Envelope(s), nil
	default:
		return "", fmt.Errorf("unknown envelope %q (want data, items or products)", s)
	}
}

type productBody struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	Images     []string        `json:"images,omitempty"`
	Category   string          `json:"category,omitempty"`
	Rating     float64         `json:"rating,omitempty"`
	NumReviews int             `json:"num_reviews,omitempty"`
}

type variantBody struct {
	ID    string           `json:"id"`
	Size  string           `json:"size,omitempty"`
	Color string           `json:"color,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
	Stock *int             `json:"stock,omitempty"`
}

type itemBody struct {
	ID        string       `json:"id"`
	Product   productBody  `json:"product"`
	Variant   *variantBody `json:"variant,omitempty"`
	VariantID string       `json:"variant_id,omitempty"`
	Quantity  int          `json:"quantity"`
}

// flatBody is one entry of the products shape: the product itself with the
// line's quantity and variant folded in.
type flatBody struct {
	productBody
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

type cartBody struct {
	ID    string     `json:"id"`
	Items []itemBody `json:"items"`
}

// renderCart builds the GET /cart response body for lines.
func renderCart(shape Envelope, userID string, lines []ResolvedLine) any {
	switch shape {
	case EnvelopeProducts:
		products := make([]flatBody, 0, len(lines))
		for _, l := range lines {
			fb := flatBody{
				productBody: newProductBody(l.Product),
				Quantity:    l.Line.Quantity,
				VariantID:   l.Line.VariantID,
			}
			if v := l.Variant; v != nil {
				fb.Size, fb.Color = v.Size, v.Color
				if v.Price.Valid {
					fb.Price = v.Price.Decimal
				}
				if v.Stock != nil {
					fb.Stock = *v.Stock
				}
			}
			products = append(products, fb)
		}
		return map[string]any{"products": products}
	case EnvelopeData:
		return map[string]any{"data": []cartBody{{ID: userID, Items: itemBodies(lines)}}}
	default:
		return map[string]any{"items": itemBodies(lines)}
	}
}

func itemBodies(lines []ResolvedLine) []itemBody {
	items := make([]itemBody, 0, len(lines))
	for _, l := range lines {
		ib := itemBody{
			ID:        l.Line.ID,
			Product:   newProductBody(l.Product),
			VariantID: l.Line.VariantID,
			Quantity:  l.Line.Quantity,
		}
		if v := l.Variant; v != nil {
			vb := &variantBody{ID: v.ID, Size: v.Size, Color: v.Color, Stock: v.Stock}
			if v.Price.Valid {
				price := v.Price.Decimal
				vb.Price = &price
			}
			ib.Variant = vb
		}
		items = append(items, ib)
	}
	return items
}

func newProductBody(p Product) productBody {
	return productBody{
		ID:         p.ID,
		Name:       p.Name,
		Price:      p.Price,
		Stock:      p.Stock,
		Images:     p.Images,
		Category:   p.Category,
		Rating:     p.Rating,
		NumReviews: p.NumReviews,
	}
}
