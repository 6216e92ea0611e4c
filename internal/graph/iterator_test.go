package graph

import (
	"fmt"
	"testing"

	"github.com/agentic-research/dirtree/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peopleTree(n int) *Tree {
	items := []Item{{DN: "ou=people,dc=example,dc=com", Attributes: api.Attributes{"ou": {"people"}}}}
	for i := range n {
		items = append(items, Item{
			DN:         fmt.Sprintf("uid=u%02d,ou=people,dc=example,dc=com", i),
			Attributes: api.Attributes{"uid": {fmt.Sprintf("u%02d", i)}},
		})
	}
	items = append(items, Item{DN: "cn=admin,dc=other,dc=com", Attributes: api.Attributes{"cn": {"admin"}}})
	return (&Builder{}).Build(items)
}

func TestSearchIterator_ScenarioSinglePage(t *testing.T) {
	tree := buildScenario(t)
	it, err := NewSearchIterator(tree, "dc=example,dc=com", 10)
	require.NoError(t, err)

	p := it.Page(0)
	require.Len(t, p.Entries, 2)
	assert.Equal(t, "dc=example,dc=com", p.Entries[0].DN)
	assert.Equal(t, "ou=users,dc=example,dc=com", p.Entries[1].DN)
	assert.Equal(t, 1, p.TotalPages)
	assert.Equal(t, 2, p.TotalCount)
	assert.False(t, p.HasNext)
	assert.False(t, p.HasPrevious)
}

func TestSearchIterator_Pages(t *testing.T) {
	tree := peopleTree(25)
	it, err := NewSearchIterator(tree, "ou=people,dc=example,dc=com", 10)
	require.NoError(t, err)

	assert.Equal(t, 26, it.TotalCount(), "base entry plus 25 children")
	assert.Equal(t, 3, it.TotalPages())

	first := it.Page(0)
	require.Len(t, first.Entries, 10)
	assert.Equal(t, "ou=people,dc=example,dc=com", first.Entries[0].DN, "shallowest first")
	assert.Equal(t, "uid=u00,ou=people,dc=example,dc=com", first.Entries[1].DN)
	assert.True(t, first.HasNext)
	assert.False(t, first.HasPrevious)

	last := it.Page(2)
	require.Len(t, last.Entries, 6)
	assert.False(t, last.HasNext)
	assert.True(t, last.HasPrevious)
	assert.Equal(t, []string{"u24"}, last.Entries[5].Attributes["uid"])

	beyond := it.Page(7)
	assert.Empty(t, beyond.Entries)
	assert.Equal(t, 26, beyond.TotalCount)
}

func TestSearchIterator_Navigation(t *testing.T) {
	it, err := NewSearchIterator(peopleTree(5), "", 2)
	require.NoError(t, err)
	require.Equal(t, 7, it.TotalCount())

	assert.Equal(t, 0, it.Current().PageNum)

	var visited []int
	for p, ok := it.Current(), true; ok; p, ok = it.Next() {
		visited = append(visited, p.PageNum)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, visited)

	p, ok := it.Previous()
	require.True(t, ok)
	assert.Equal(t, 2, p.PageNum)

	it.Page(0)
	_, ok = it.Previous()
	assert.False(t, ok)
}

func TestSearchIterator_DerivesListOnce(t *testing.T) {
	it, err := NewSearchIterator(peopleTree(3), "dc=example,dc=com", 2)
	require.NoError(t, err)
	a := it.DNs()
	b := it.DNs()
	require.NotEmpty(t, a)
	assert.Same(t, &a[0], &b[0])
}

func TestSearchIterator_Validation(t *testing.T) {
	tree := buildScenario(t)
	_, err := NewSearchIterator(tree, "dc=com", 0)
	assert.ErrorIs(t, err, ErrInvalidPageSize)

	_, err = NewSearchIterator(tree, "dc=a,,dc=com", 5)
	assert.ErrorIs(t, err, ErrInvalidDN)

	it, err := NewSearchIterator(tree, "dc=nowhere", 5)
	require.NoError(t, err)
	p := it.Page(0)
	assert.Empty(t, p.Entries)
	assert.Zero(t, p.TotalPages)
}

func TestTree_CountUnder(t *testing.T) {
	tree := peopleTree(4)
	assert.Equal(t, 5, tree.CountUnder("ou=people,dc=example,dc=com"))
	assert.Equal(t, 6, tree.CountUnder(""))
	assert.Equal(t, 1, tree.CountUnder("dc=other,dc=com"))
	assert.Zero(t, tree.CountUnder("dc=a,,b"))
}
