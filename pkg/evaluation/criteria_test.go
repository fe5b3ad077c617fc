package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCriteria_BareNames(t *testing.T) {
	criteria, err := ParseCriteria("criteria:\n  - factuality\n  - clarity\n")
	require.NoError(t, err)
	require.Len(t, criteria, 2)
	assert.Equal(t, "factuality", criteria[0].Name)
	assert.Equal(t, "Evaluate the factuality of the document.", criteria[0].Description)
}

func TestParseCriteria_Objects(t *testing.T) {
	text := `
criteria:
  - name: factuality
    description: Claims are supported by the sources.
    weight: 2.0
  - name: clarity
`
	criteria, err := ParseCriteria(text)
	require.NoError(t, err)
	require.Len(t, criteria, 2)
	assert.Equal(t, "Claims are supported by the sources.", criteria[0].Description)
	assert.Equal(t, 2.0, criteria[0].Weight)
	assert.Equal(t, "Evaluate the clarity of the document.", criteria[1].Description)
}

func TestParseCriteria_Invalid(t *testing.T) {
	_, err := ParseCriteria("not: criteria")
	assert.Error(t, err)

	_, err = ParseCriteria("criteria:\n  - description: no name\n")
	assert.Error(t, err)

	_, err = ParseCriteria(":::")
	assert.Error(t, err)
}

func TestFormatCriteria(t *testing.T) {
	criteria, err := ParseCriteria("criteria:\n  - factuality\n  - clarity\n")
	require.NoError(t, err)

	rendered := FormatCriteria(criteria)
	assert.Contains(t, rendered, "1. factuality:")
	assert.Contains(t, rendered, "2. clarity:")
}

func TestWeights(t *testing.T) {
	criteria, err := ParseCriteria(`
criteria:
  - name: factuality
    weight: 3.0
  - clarity
`)
	require.NoError(t, err)

	w := Weights(criteria)
	assert.Equal(t, 3.0, w["factuality"])
	assert.Equal(t, 1.0, w["clarity"])
}
