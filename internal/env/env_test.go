package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("RECS_TEST_DUR", "90m")
	require.Equal(t, 90*time.Minute, GetDuration("RECS_TEST_DUR", time.Second))

	t.Setenv("RECS_TEST_DUR", "45")
	require.Equal(t, 45*time.Second, GetDuration("RECS_TEST_DUR", time.Second))

	t.Setenv("RECS_TEST_DUR", "soon")
	require.Equal(t, time.Second, GetDuration("RECS_TEST_DUR", time.Second))
}

func TestScalars(t *testing.T) {
	t.Setenv("RECS_TEST_INT", "7")
	t.Setenv("RECS_TEST_FLOAT", "2.5")
	t.Setenv("RECS_TEST_BOOL", "Yes")
	t.Setenv("RECS_TEST_STR", "  ")

	require.Equal(t, 7, GetInt("RECS_TEST_INT", 1))
	require.Equal(t, 1, GetInt("RECS_TEST_MISSING", 1))
	require.Equal(t, 2.5, GetFloat("RECS_TEST_FLOAT", 0))
	require.True(t, GetBool("RECS_TEST_BOOL", false))
	require.Equal(t, "fallback", Get("RECS_TEST_STR", "fallback"))
}
