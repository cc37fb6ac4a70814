package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closer := New(Options{Level: "debug", File: path, JSON: true})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("booking_id", 42).Info("hello")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"booking_id":42`)
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, closer := New(Options{Level: "loud"})
	defer closer.Close()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
