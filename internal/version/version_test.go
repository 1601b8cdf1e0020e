package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentAsMap(t *testing.T) {
	AppVersion = "v1.2.3"
	defer func() { AppVersion = "unknown" }()

	m, err := Current().AsMap()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", m["app_version"])
	assert.NotEmpty(t, m["go_version"])
}
