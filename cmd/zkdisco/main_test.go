package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	p, err := parsePayload([]string{"zone=a", "weight=10", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, payload{"zone": "a", "weight": "10", "expr": "a=b"}, p)

	p, err = parsePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = parsePayload([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePayload([]string{"=x"})
	assert.Error(t, err)
}
