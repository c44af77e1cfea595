package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor-plc/internal/types"
)

func TestDiversionRule(t *testing.T) {
	rule, err := CompileDiversionRule(`color == "rojo" || (size > 40 && condition != "normal")`)
	require.NoError(t, err)
	require.NotNil(t, rule)

	cases := []struct {
		c    types.Classification
		want bool
	}{
		{types.Classification{Color: "rojo", Size: 10, Condition: "normal"}, true},
		{types.Classification{Color: "azul", Size: 60, Condition: "dañado"}, true},
		{types.Classification{Color: "azul", Size: 60, Condition: "normal"}, false},
		{types.Classification{Color: "verde", Size: 10, Condition: "dañado"}, false},
	}
	for _, tc := range cases {
		got, err := rule.Evaluate(tc.c)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%+v", tc.c)
	}
}

func TestCompileDiversionRule_EmptyDisables(t *testing.T) {
	rule, err := CompileDiversionRule("")
	assert.NoError(t, err)
	assert.Nil(t, rule)
}

func TestCompileDiversionRule_RejectsNonBoolean(t *testing.T) {
	_, err := CompileDiversionRule(`size + 1`)
	assert.Error(t, err)

	_, err = CompileDiversionRule(`weight > 3`)
	assert.Error(t, err)
}
