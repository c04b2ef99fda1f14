package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckOHLC(t *testing.T) {
	assert.NoError(t, Bar{Open: 2, High: 3, Low: 1, Close: 2}.CheckOHLC())
	assert.NoError(t, Bar{Open: 1, High: 1, Low: 1, Close: 1}.CheckOHLC())

	for name, b := range map[string]Bar{
		"low above high": {Open: 2, High: 1, Low: 3, Close: 2},
		"open above":     {Open: 4, High: 3, Low: 1, Close: 2},
		"open below":     {Open: 0, High: 3, Low: 1, Close: 2},
		"close above":    {Open: 2, High: 3, Low: 1, Close: 4},
		"close below":    {Open: 2, High: 3, Low: 1, Close: 0},
	} {
		assert.Error(t, b.CheckOHLC(), name)
	}
}

func TestParseNamespace(t *testing.T) {
	ns, ok := ParseNamespace("raw")
	assert.True(t, ok)
	assert.Equal(t, Raw, ns)

	ns, ok = ParseNamespace("aggregated")
	assert.True(t, ok)
	assert.Equal(t, Aggregated, ns)

	_, ok = ParseNamespace("daily")
	assert.False(t, ok)

	assert.Equal(t, "raw", Raw.String())
	assert.Equal(t, "aggregated", Aggregated.String())
}
