package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log := New(Config{Level: "chatty"})
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())

	log = New(Config{Level: "debug"})
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log = New(Config{})
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestComponentTagsChildLogger(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	child := Component(root, "outbox")
	child.Info().Msg("claimed")

	assert.Contains(t, buf.String(), `"component":"outbox"`)
	assert.Contains(t, buf.String(), `"claimed"`)
}
