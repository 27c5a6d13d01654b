package utils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	_, err = NewLogger("chatty")
	assert.Error(t, err)
}

func TestRankLogger(t *testing.T) {
	log, err := NewLogger("info")
	require.NoError(t, err)
	var buf bytes.Buffer
	log.SetOutput(&buf)

	RankLogger(log, 3).Info("hello")
	assert.Contains(t, buf.String(), "rank=3")
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	RankLogger(log, 3).Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestOrDiscard(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())
	assert.Same(t, entry, OrDiscard(entry))
	assert.NotPanics(t, func() { OrDiscard(nil).Error("dropped") })
}
