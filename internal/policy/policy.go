// Package policy holds the tunable rules of the cart engine: which roles
// may own a cart, the user-facing message for every error kind and
// confirmation, and the hydration fallbacks.
//
// Policies are written in CUE and unified with an embedded schema
// (schema.cue) that supplies a default for every field, so an empty file
// compiles to the stock policy:
//
//	roles: non_purchasing: ["admin", "seller"]
//	messages: duplicate_line: "Already in your bag."
//	hydration: default_stock_ceiling: 99
//
// The schema is closed: unknown fields are compile errors.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"golang.org/x/text/cases"
)

//go:embed schema.cue
var schemaSource string

// Messages are the user-facing strings for each outcome.
type Messages struct {
	DuplicateLine      string `json:"duplicate_line"`
	OwnershipViolation string `json:"ownership_violation"`
	Unauthenticated    string `json:"unauthenticated"`
	TransportFailure   string `json:"transport_failure"`

	Added   string `json:"added"`
	Removed string `json:"removed"`
	Updated string `json:"updated"`
	Cleared string `json:"cleared"`
}

// Policy is a compiled cart policy. It is immutable after compilation and
// safe for concurrent use.
type Policy struct {
	NonPurchasingRoles  []string `json:"non_purchasing_roles"`
	Messages            Messages `json:"messages"`
	DefaultStockCeiling int      `json:"default_stock_ceiling"`
	PlaceholderImage    string   `json:"placeholder_image"`

	folded map[string]struct{}
}

// CanPurchase reports whether an identity holding role may own a cart.
// Roles are compared after Unicode case folding, so "Admin", "ADMIN" and
// "admin" are the same role.
func (p *Policy) CanPurchase(role string) bool {
	_, blocked := p.folded[foldRole(role)]
	return !blocked
}

// foldRole builds a fresh Caser per call; Casers are not safe to share.
func foldRole(role string) string {
	return cases.Fold().String(strings.TrimSpace(role))
}

// CompileError is a policy compilation failure with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var defaultPolicy = sync.OnceValue(func() *Policy {
	p, err := Compile("default.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("policy: embedded schema does not compile: %v", err))
	}
	return p
})

// Default returns the stock policy. The returned value is shared and must
// not be modified.
func Default() *Policy {
	return defaultPolicy()
}

// Load reads and compiles the CUE policy file at path. An empty path
// yields Default().
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Compile(path, src)
}

// Compile unifies src with the policy schema and extracts the result.
// filename is used only for error positions.
func Compile(filename string, src []byte) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	def := schema.LookupPath(cue.ParsePath("#Policy"))

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(); err != nil {
		return nil, formatCUEError(err)
	}
	return extract(unified)
}

func extract(v cue.Value) (*Policy, error) {
	p := &Policy{folded: make(map[string]struct{})}

	roles, err := stringList(v, "roles.non_purchasing")
	if err != nil {
		return nil, err
	}
	p.NonPurchasingRoles = roles
	for _, r := range roles {
		p.folded[foldRole(r)] = struct{}{}
	}

	fields := []struct {
		path string
		dst  *string
	}{
		{"messages.duplicate_line", &p.Messages.DuplicateLine},
		{"messages.ownership_violation", &p.Messages.OwnershipViolation},
		{"messages.unauthenticated", &p.Messages.Unauthenticated},
		{"messages.transport_failure", &p.Messages.TransportFailure},
		{"messages.added", &p.Messages.Added},
		{"messages.removed", &p.Messages.Removed},
		{"messages.updated", &p.Messages.Updated},
		{"messages.cleared", &p.Messages.Cleared},
		{"hydration.placeholder_image", &p.PlaceholderImage},
	}
	for _, f := range fields {
		s, err := stringField(v, f.path)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}

	ceiling := v.LookupPath(cue.ParsePath("hydration.default_stock_ceiling"))
	n, err := ceiling.Int64()
	if err != nil {
		return nil, fieldError("hydration.default_stock_ceiling", ceiling, err)
	}
	p.DefaultStockCeiling = int(n)

	return p, nil
}

func stringField(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	s, err := f.String()
	if err != nil {
		return "", fieldError(path, f, err)
	}
	return s, nil
}

func stringList(v cue.Value, path string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	iter, err := f.List()
	if err != nil {
		return nil, fieldError(path, f, err)
	}
	out := []string{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, fieldError(path, iter.Value(), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func fieldError(path string, v cue.Value, err error) error {
	return &CompileError{Field: path, Message: err.Error(), Pos: v.Pos()}
}

// formatCUEError converts the first CUE error into a CompileError.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "cue"
	}
	format, args := first.Msg()
	return &CompileError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Pos:     first.Position(),
	}
}
