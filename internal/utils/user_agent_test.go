package utils

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgent(t *testing.T) {
	suffix := " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
	assert.Equal(t, "maabo/0.3.0"+suffix, UserAgent("", "v0.3.0"))
	assert.Equal(t, "maabo-updater/dev"+suffix, UserAgent("maabo-updater", " "))
}

func TestNormalizeUserAgent(t *testing.T) {
	assert.Equal(t, "custom/1.0", NormalizeUserAgent(" custom/1.0 ", "1.0.0"))
	assert.Equal(t, UserAgent("", "1.0.0"), NormalizeUserAgent("", "1.0.0"))
	assert.Equal(t, UserAgent("", "1.0.0"), NormalizeUserAgent("bad\nua", "1.0.0"))
}
