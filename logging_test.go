package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)

	ctx := WithLogger(context.Background(), logger.WithField("phase", "load"))
	GetLogger(ctx).Debug("model store synced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "load", entry["phase"])
	assert.Equal(t, "model store synced", entry["msg"])
}

func TestNewLoggerRejects(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestGetLoggerDefault(t *testing.T) {
	assert.Equal(t, logrus.StandardLogger(), GetLogger(context.Background()))
}
