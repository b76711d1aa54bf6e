package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init("verbose", "text")
	assert.Error(t, err)
}

func TestWithFieldsWritesJSON(t *testing.T) {
	require.NoError(t, Init("debug", "json"))

	var buf bytes.Buffer
	SetOutput(&buf)

	WithFields(logrus.Fields{"request_id": "req-1"}).Info("relay started")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "relay started", line["msg"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	require.NoError(t, Init("info", "text"))

	var buf bytes.Buffer
	SetOutput(&buf)

	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	Warnf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}
