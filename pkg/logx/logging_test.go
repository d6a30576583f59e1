package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "loop"))

	l.Info("armed", Int("n", 2), Err(errors.New("boom")), TimePtr("next", nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "loop", m["comp"])
	assert.Equal(t, "armed", m["message"])
	assert.EqualValues(t, 2, m["n"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m, "next")
	assert.Nil(t, m["next"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelDebug))

	l.Warn("shown", Duration("d", time.Second))
	assert.NotZero(t, buf.Len())
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel(""))
	assert.True(t, ValidLevel("warning"))
	assert.False(t, ValidLevel("loud"))
}
