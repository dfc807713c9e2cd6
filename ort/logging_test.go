package ort

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	previous := Logger()
	SetLogger(logger)
	t.Cleanup(func() { SetLogger(previous) })
	return hook
}

func TestSetLoggerNilDiscards(t *testing.T) {
	previous := Logger()
	defer SetLogger(previous)

	SetLogger(nil)
	require.NotNil(t, Logger())
	assert.NotPanics(t, func() { Logger().Warn("discarded") })
}

func TestDownloadModelLogsFetch(t *testing.T) {
	hook := captureLogs(t)
	server, _ := newModelServer(t, []byte("weights"))

	_, err := DownloadModel(context.Background(), ModelEmotionFerPlus, t.TempDir(), WithDownloadBaseURL(server.URL))
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "downloading model", entry.Message)
	assert.Equal(t, "emotion-ferplus", entry.Data["model"])
}
