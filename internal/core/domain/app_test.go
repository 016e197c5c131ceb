package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type namedComponent struct{}

func (namedComponent) ChainType() string { return "retrieval_qa" }

type panickyComponent struct{}

func (panickyComponent) ChainType() string { panic("not implemented") }

type plainComponent struct{}

func TestDiscoverType_SelfDescribing(t *testing.T) {
	td := DiscoverType(namedComponent{})
	assert.True(t, td.Available())
	assert.Equal(t, "retrieval_qa", td.Name)
}

func TestDiscoverType_PanicBecomesUnavailable(t *testing.T) {
	td := DiscoverType(panickyComponent{})
	assert.False(t, td.Available())
	assert.Contains(t, td.Reason, "not implemented")
	assert.Empty(t, td.Name)
}

func TestDiscoverType_FallsBackToTypeName(t *testing.T) {
	td := DiscoverType(&plainComponent{})
	assert.True(t, td.Available())
	assert.Contains(t, td.Name, "plainComponent")
}

func TestDiscoverType_Nil(t *testing.T) {
	td := DiscoverType(nil)
	assert.False(t, td.Available())
	assert.Equal(t, "nil component", td.Reason)
}

func TestDiscoverType_UnnamedType(t *testing.T) {
	td := DiscoverType(struct{ X int }{})
	assert.False(t, td.Available())
	assert.Contains(t, td.Reason, "unnamed type")
}
