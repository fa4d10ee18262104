package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semver.MatchString(Version), "got %s", Version)
}

func TestString_ContainsBuildInfo(t *testing.T) {
	str := String()

	assert.Contains(t, str, "vectorsync "+Version)
	assert.Contains(t, str, "commit: "+Commit)
	assert.Contains(t, str, GoVersion)
	assert.Equal(t, Version, Short())
}

func TestGetInfo_JSON(t *testing.T) {
	// Given: the build info
	info := GetInfo()

	// When: it is encoded
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: every field is present
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, Version, parsed["version"])
	assert.Equal(t, Commit, parsed["commit"])
	assert.Equal(t, runtime.GOOS, parsed["os"])
	assert.Equal(t, runtime.GOARCH, parsed["arch"])
	assert.Contains(t, parsed, "go_version")
	assert.Contains(t, parsed, "date")
}

func TestCommit_IsShort(t *testing.T) {
	assert.LessOrEqual(t, len(Commit), 40)
	assert.NotEmpty(t, Commit)
}
