package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("fs:read", Metadata{Name: "Filesystem Read", Risk: RiskLow}))

	meta, err := r.GetMetadata("fs:read")
	require.NoError(t, err)
	assert.Equal(t, "Filesystem Read", meta.Name)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("fs:read", Metadata{Risk: RiskLow}))
	err := r.Register("fs:read", Metadata{Risk: RiskLow})
	assert.Error(t, err)
}

func TestRegistryGetMetadataUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetMetadata("fs:read")
	assert.Error(t, err)
}

func TestMatchesScopeLiteralAndGlobs(t *testing.T) {
	assert.True(t, MatchesScope("/workspace/*", "/workspace/file.txt"))
	assert.False(t, MatchesScope("/workspace/*", "/workspace/sub/file.txt"))
	assert.True(t, MatchesScope("/workspace/**", "/workspace/sub/file.txt"))
	assert.True(t, MatchesScope("/workspace/**", "/workspace"))
	assert.False(t, MatchesScope("/workspace/*", "/other/file.txt"))
}

func TestCapabilityStringParsing(t *testing.T) {
	c := CapabilityString("fs:read:/workspace/**")
	assert.Equal(t, "fs", c.Namespace())
	assert.Equal(t, "read", c.Action())
	assert.Equal(t, "/workspace/**", c.ScopePattern())
	assert.Equal(t, "fs:read", c.NamespaceAction())

	noScope := CapabilityString("net:dial")
	assert.Equal(t, "", noScope.ScopePattern())
}
