package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p := Default()

	assert.Equal(t, []string{"admin", "seller"}, p.NonPurchasingRoles)
	assert.Equal(t, 99, p.DefaultStockCeiling)
	assert.Equal(t, "/images/placeholder.png", p.PlaceholderImage)
	assert.Equal(t, "Item added to cart", p.Messages.Added)
	assert.Equal(t, "Item removed from cart", p.Messages.Removed)
	assert.Equal(t, "Cart updated", p.Messages.Updated)
	assert.Equal(t, "Cart cleared", p.Messages.Cleared)
	assert.NotEmpty(t, p.Messages.DuplicateLine)
	assert.NotEmpty(t, p.Messages.OwnershipViolation)
	assert.NotEmpty(t, p.Messages.Unauthenticated)
	assert.NotEmpty(t, p.Messages.TransportFailure)

	assert.Same(t, p, Default(), "default policy is compiled once")
}

func TestCanPurchase_CaseInsensitive(t *testing.T) {
	p := Default()

	tests := []struct {
		role string
		want bool
	}{
		{"", true},
		{"customer", true},
		{"buyer", true},
		{"admin", false},
		{"Admin", false},
		{"ADMIN", false},
		{" seller ", false},
		{"Seller", false},
		{"administrator", true},
		{"SUPPORT", true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			assert.Equal(t, tt.want, p.CanPurchase(tt.role))
		})
	}
}

func TestCanPurchase_UnicodeFolding(t *testing.T) {
	p, err := Compile("unicode.cue", []byte(`roles: non_purchasing: ["straße"]`))
	require.NoError(t, err)

	assert.False(t, p.CanPurchase("STRAßE"))
	assert.False(t, p.CanPurchase("Straße"))
}

func TestCompile_EmptySourceMatchesDefault(t *testing.T) {
	p, err := Compile("empty.cue", []byte(""))
	require.NoError(t, err)
	assert.Equal(t, Default().Messages, p.Messages)
	assert.Equal(t, Default().NonPurchasingRoles, p.NonPurchasingRoles)
}

func TestLoad_Overrides(t *testing.T) {
	p, err := Load(filepath.Join("testdata", "strict.cue"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Admin", "seller", "Support"}, p.NonPurchasingRoles)
	assert.False(t, p.CanPurchase("support"))
	assert.False(t, p.CanPurchase("admin"))
	assert.Equal(t, "Already in your bag.", p.Messages.DuplicateLine)
	assert.Equal(t, "Bag emptied", p.Messages.Cleared)
	assert.Equal(t, "Item added to cart", p.Messages.Added, "unset fields keep their default")
	assert.Equal(t, 10, p.DefaultStockCeiling)
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Same(t, Default(), p)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "unknown_field.cue"))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Field, "retries")
}

func TestLoad_NonPositiveCeilingRejected(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "bad_ceiling.cue"))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile("broken.cue", []byte(`roles: {`))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "broken.cue")
}

func TestCompile_WrongType(t *testing.T) {
	_, err := Compile("wrong.cue", []byte(`messages: added: 42`))
	require.Error(t, err)
}

func TestCompileError_Format(t *testing.T) {
	err := &CompileError{Field: "messages.added", Message: "conflicting values"}
	assert.Equal(t, "messages.added: conflicting values", err.Error())
}
