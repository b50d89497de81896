package version

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionInfoJSON(t *testing.T) {
	info := VersionInfo()
	parsed := Info{}
	require.NoError(t, json.Unmarshal([]byte(info.JSON()), &parsed))
	assert.Equal(t, info, parsed)
	assert.NotEmpty(t, parsed.GoVersion)
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), Name+"/"))
	assert.True(t, strings.HasSuffix(UserAgent(), Version))
}
