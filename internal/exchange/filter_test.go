package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFilter_Allowed(t *testing.T) {
	tests := []struct {
		expr string
		name string
		want bool
	}{
		{"", "orders.Order", false},
		{"orders.Order", "orders.Order", true},
		{"orders.Order", "orders.OrderLine", false},
		{"orders.*", "orders.Order", true},
		{"orders.*", "orders.sub.Order", false},
		{"orders.**", "orders.sub.Order", true},
		{"orders.**", "ordersX.Order", false},
		{"!orders.Secret;orders.*", "orders.Secret", false},
		{"!orders.Secret;orders.*", "orders.Public", true},
		{"orders.*;!orders.Secret", "orders.Secret", true},
		{"*", "anything.at.all", true},
		{"a.B, c.D", "c.D", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr+"/"+tt.name, func(t *testing.T) {
			f, err := ParseTypeFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Allowed(tt.name))
		})
	}
}

func TestTypeFilter_ParseErrors(t *testing.T) {
	for _, expr := range []string{"!", "a*b", "orders.*.Order"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseTypeFilter(expr)
			assert.Error(t, err)
		})
	}
}

func TestTypeFilter_NilAndDenyAll(t *testing.T) {
	var f *TypeFilter
	assert.False(t, f.Allowed("x"))
	assert.Equal(t, "", f.String())
	assert.False(t, DenyAll().Allowed("x"))
}

func TestTypeRegistry_Conflicts(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, r.Register("orders.Order", order{}))
	require.NoError(t, r.Register("orders.Order", order{}), "re-registering the same binding is a no-op")

	assert.Error(t, r.Register("orders.Order", gadget{}))
	assert.Error(t, r.Register("orders.Other", order{}))
	assert.Error(t, r.Register("string", gadget{}))
	assert.Error(t, r.Register("", gadget{}))
	assert.Error(t, r.Register("x", nil))
}

func TestTextOf(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
		ok   bool
	}{
		{"nil", nil, "", false},
		{"string", "abc", "abc", true},
		{"bytes", []byte("raw"), "raw", true},
		{"int", 12, "12", true},
		{"float", 1.5, "1.5", true},
		{"bool", true, "true", true},
		{"stringer", stringer{name: "s"}, "stringer:s", true},
		{"struct", order{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TextOf(tt.v)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExchange_Copy(t *testing.T) {
	ex := New("id", "body")
	ex.SetHeader("h", "v")
	ex.SetProperty("p", 1)

	cp := ex.Copy()
	cp.SetHeader("h", "changed")
	cp.SetProperty("p", 2)

	v, _ := ex.Header("h")
	assert.Equal(t, "v", v)
	p, _ := ex.Property("p")
	assert.Equal(t, 1, p)

	var nilEx *Exchange
	assert.Nil(t, nilEx.Copy())
}
