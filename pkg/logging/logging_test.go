package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetLevelFromString(t *testing.T) {
	SetLevel(LevelInfo)
	level := SetLevelFromString("debug")
	require.Equal(t, LevelDebug, level)
	require.Equal(t, LevelDebug, CurrentLevel())

	level = SetLevelFromString("unknown-level")
	assert.Equal(t, LevelInfo, level)
	assert.Equal(t, LevelInfo, CurrentLevel())
}

func TestLevelString(t *testing.T) {
	cases := map[Level]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warn",
		LevelError: "error",
		Level(99):  "info",
	}
	for level, want := range cases {
		assert.Equal(t, want, level.String())
	}
}

func TestWithAttachesFields(t *testing.T) {
	SetLevel(LevelDebug)
	l := With(zap.String("pipeline_run_id", "run-1"), zap.Int("position", 2))
	require.NotNil(t, l)
	l.Infof("pipeline_run_id=%s position=%d", "run-1", 2)
}
