package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrVariantNotFound = errors.New("variant not found")
	ErrLineNotFound    = errors.New("cart item not found")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrDuplicateLine   = errors.New("product already exists in cart")
	ErrOwnProduct      = errors.New("cannot add your own product to cart")
)

// User is an authenticated API caller.
type User struct {
	ID   string
	Role string
}

// Service implements cart semantics over a catalog and a cart repository.
//
// Thread-safety: mutations are serialized by a single mutex so the
// repository's read-modify-write sequences never interleave.
type Service struct {
	catalog          *Catalog
	carts            CartRepository
	rejectDuplicates bool

	mu    sync.Mutex
	newID func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRejectDuplicates makes adding an already-present (product, variant)
// fail with ErrDuplicateLine instead of merging quantities.
func WithRejectDuplicates(reject bool) ServiceOption {
	return func(s *Service) { s.rejectDuplicates = reject }
}

// WithLineIDs overrides line id generation. Used for testing.
func WithLineIDs(gen func() string) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a cart service.
func NewService(catalog *Catalog, carts CartRepository, opts ...ServiceOption) *Service {
	s := &Service{
		catalog: catalog,
		carts:   carts,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolvedLine is a cart line joined with its catalog entries.
type ResolvedLine struct {
	Line    CartLine
	Product Product
	Variant *Variant
}

// View returns the user's cart joined with the catalog. Lines whose
// product no longer exists are returned with only the product id set.
func (s *Service) View(ctx context.Context, user User) ([]ResolvedLine, error) {
	lines, err := s.carts.Lines(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ResolvedLine, 0, len(lines))
	for _, l := range lines {
		p, err := s.catalog.Product(ctx, l.ProductID)
		if errors.Is(err, ErrProductNotFound) {
			p = Product{ID: l.ProductID}
		} else if err != nil {
			return nil, err
		}
		rl := ResolvedLine{Line: l, Product: p}
		if v, ok := p.Variant(l.VariantID); ok {
			rl.Variant = &v
		}
		out = append(out, rl)
	}
	return out, nil
}

// Add adds quantity units of a product (and optional variant). Lines merge
// on (product, variant) unless duplicates are rejected.
func (s *Service) Add(ctx context.Context, user User, productID, variantID string, quantity int) (ResolvedLine, error) {
	if quantity < 1 {
		return ResolvedLine{}, ErrInvalidQuantity
	}
	p, err := s.catalog.Product(ctx, productID)
	if err != nil {
		return ResolvedLine{}, err
	}
	if p.SellerID != "" && p.SellerID == user.ID {
		return ResolvedLine{}, ErrOwnProduct
	}
	var variant *Variant
	if variantID != "" {
		v, ok := p.Variant(variantID)
		if !ok {
			return ResolvedLine{}, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
		}
		variant = &v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.carts.Lines(ctx, user.ID)
	if err != nil {
		return ResolvedLine{}, err
	}

	line := CartLine{ID: s.newID(), ProductID: productID, VariantID: variantID, Quantity: quantity}
	for _, l := range lines {
		if l.ProductID == productID && l.VariantID == variantID {
			if s.rejectDuplicates {
				return ResolvedLine{}, ErrDuplicateLine
			}
			line = l
			line.Quantity += quantity
			break
		}
	}
	if err := s.carts.Save(ctx, user.ID, line); err != nil {
		return ResolvedLine{}, err
	}
	return ResolvedLine{Line: line, Product: p, Variant: variant}, nil
}

// Remove deletes the line addressed by ref (see resolve).
func (s *Service) Remove(ctx context.Context, user User, ref string) (CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := s.resolve(ctx, user, ref)
	if err != nil {
		return CartLine{}, err
	}
	if err := s.carts.Delete(ctx, user.ID, line.ID); err != nil {
		return CartLine{}, err
	}
	return line, nil
}

// Update sets the quantity of the line addressed by ref.
func (s *Service) Update(ctx context.Context, user User, ref string, quantity int) (CartLine, error) {
	if quantity < 1 {
		return CartLine{}, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := s.resolve(ctx, user, ref)
	if err != nil {
		return CartLine{}, err
	}
	line.Quantity = quantity
	if err := s.carts.Save(ctx, user.ID, line); err != nil {
		return CartLine{}, err
	}
	return line, nil
}

// Clear empties the user's cart.
func (s *Service) Clear(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts.Clear(ctx, user.ID)
}

// resolve finds the line addressed by ref. Clients may address a line by
// any identity they hold, tried in order:
//  1. server line id
//  2. variant id
//  3. client-local id "product[@size][#color]"
func (s *Service) resolve(ctx context.Context, user User, ref string) (CartLine, error) {
	lines, err := s.carts.Lines(ctx, user.ID)
	if err != nil {
		return CartLine{}, err
	}
	for _, l := range lines {
		if l.ID == ref {
			return l, nil
		}
	}
	for _, l := range lines {
		if l.VariantID != "" && l.VariantID == ref {
			return l, nil
		}
	}

	productID, size, color := parseLocalID(ref)
	for _, l := range lines {
		if l.ProductID != productID {
			continue
		}
		if size == "" && color == "" && l.VariantID == "" {
			return l, nil
		}
		if l.VariantID == "" {
			continue
		}
		p, err := s.catalog.Product(ctx, l.ProductID)
		if err != nil {
			continue
		}
		if v, ok := p.Variant(l.VariantID); ok && v.Size == size && v.Color == color {
			return l, nil
		}
	}
	// Fall back to the only line of the product when it is unambiguous.
	// Lines without a variant record no size or color, so a lone one
	// matches whatever options the local id carries.
	var match, bare []CartLine
	for _, l := range lines {
		if l.ProductID != productID {
			continue
		}
		match = append(match, l)
		if l.VariantID == "" {
			bare = append(bare, l)
		}
	}
	if len(match) == 1 && size == "" && color == "" {
		return match[0], nil
	}
	if len(bare) == 1 {
		return bare[0], nil
	}
	return CartLine{}, fmt.Errorf("%w: %s", ErrLineNotFound, ref)
}

// parseLocalID splits "P1@M#red" into ("P1", "M", "red").
func parseLocalID(ref string) (productID, size, color string) {
	productID = ref
	if i := strings.LastIndexByte(productID, '#'); i >= 0 {
		productID, color = productID[:i], productID[i+1:]
	}
	if i := strings.LastIndexByte(productID, '@'); i >= 0 {
		productID, size = productID[:i], productID[i+1:]
	}
	return productID, size, color
}
