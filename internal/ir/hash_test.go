package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewDigestDeterminism(t *testing.T) {
	rows := []Record{
		NewRecord(StringID("A"), Object{"title": String("x"), "done": Bool(false)}),
		NewRecord(StringID("B"), Object{"title": String("y")}),
	}

	d1, err := ViewDigest("todos", rows)
	require.NoError(t, err)
	d2, err := ViewDigest("todos", []Record{rows[0].Clone(), rows[1].Clone()})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestViewDigestChangesWithContent(t *testing.T) {
	a, err := ViewDigest("todos", []Record{NewRecord(StringID("A"), Object{"title": String("x")})})
	require.NoError(t, err)
	b, err := ViewDigest("todos", []Record{NewRecord(StringID("A"), Object{"title": String("y")})})
	require.NoError(t, err)
	c, err := ViewDigest("lists", []Record{NewRecord(StringID("A"), Object{"title": String("x")})})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashWithDomainSeparator(t *testing.T) {
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}
