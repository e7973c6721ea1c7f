package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, LevelFromString("debug"))
	assert.Equal(t, logrus.WarnLevel, LevelFromString("warn"))
	assert.Equal(t, logrus.ErrorLevel, LevelFromString("error"))
	assert.Equal(t, logrus.InfoLevel, LevelFromString(""))
	assert.Equal(t, logrus.InfoLevel, LevelFromString("verbose"))
}

func TestNewLoggerWithServiceAddsField(t *testing.T) {
	entry := NewLoggerWithService("wallet")
	assert.Equal(t, "wallet", entry.Data["service"])
	_, ok := entry.Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}
