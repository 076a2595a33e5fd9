package events

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "vmd.instance.started", Event{Type: Started}.Subject())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: Created, Instance: "foo"}))
	p.Close()
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(1)
	require.NoError(t, r.Publish(context.Background(), Event{Type: Created, Instance: "foo"}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: Deleted, Instance: "foo"}))

	e := <-r.Events()
	assert.Equal(t, Created, e.Type)
	assert.Empty(t, r.Events())
}

func TestNATSUnreachable(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	_, err := NewNATS("nats://127.0.0.1:1", log)
	assert.Error(t, err)
}

func TestNATSPublishAfterClose(t *testing.T) {
	p := &NATSPublisher{}
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: Started}), ErrNotConnected)
}
