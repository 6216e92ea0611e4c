package writeback

import (
	"testing"

	"github.com/agentic-research/dirtree/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_List(t *testing.T) {
	got, err := Encode([]api.Record{{DN: "cn=a&b", Attributes: api.Attributes{"cn": {"<a>"}}}}, api.ShapeList)
	require.NoError(t, err)
	expected := "[\n  {\n    \"dn\": \"cn=a&b\",\n    \"attributes\": {\n      \"cn\": [\n        \"<a>\"\n      ]\n    }\n  }\n]\n"
	assert.Equal(t, expected, string(got), "html characters are written verbatim")
}

func TestEncode_EmptyIsList(t *testing.T) {
	got, err := Encode(nil, api.ShapeList)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(got))

	got, err = Encode(nil, api.ShapeEntries)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"entries\": []\n}\n", string(got))
}
