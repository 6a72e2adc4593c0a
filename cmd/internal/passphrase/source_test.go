package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("QUIZCTL_TEST_TOKEN", "ops-token")
	src := NewSource("QUIZCTL_TEST_TOKEN", "admin token")
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "ops-token", value)

	t.Setenv("QUIZCTL_TEST_TOKEN", "rotated")
	value, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "ops-token", value)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("QUIZCTL_TEST_TOKEN", "   ")
	_, err := NewSource("QUIZCTL_TEST_TOKEN", "admin token").Get()
	require.ErrorContains(t, err, "set but empty")
}
