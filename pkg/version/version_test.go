package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBuildInfoDefaults(t *testing.T) {
	info := GetBuildInfo()
	assert.Equal(t, "dev", info.App)
	assert.Equal(t, "unknown", info.Revision)
	assert.Equal(t, "unknown", info.BuildDate)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
