package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/subscribers"
)

func TestSubscriberLogsEventFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	sub := New(logrus.NewEntry(logger))

	event := subscribers.NewEvent("s1", protocol.Pong{Type: protocol.TypePong})
	require.NoError(t, sub.Handle(context.Background(), event))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "logging", sub.Name())
	assert.Equal(t, "s1", entry.Data["session_id"])
	assert.Equal(t, protocol.TypePong, entry.Data["event_type"])
	assert.Equal(t, event.ID, entry.Data["event_id"])
}
