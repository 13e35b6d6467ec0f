package scene

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kwv/fragmesh/pointcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisherDefaults(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	p := NewPublisher(nil, "")
	assert.Equal(t, "fragmesh", p.Prefix())
	assert.False(t, p.Enabled())
	assert.Equal(t, "fragmesh/pairs/2_5", p.PairTopic(PairKey{2, 5}))
	assert.Equal(t, "fragmesh/summary", p.SummaryTopic())
	assert.Equal(t, "fragmesh/run", p.RunTopic())

	var nilPublisher *Publisher
	assert.False(t, nilPublisher.Enabled())
}

func TestNewPublisherPrefixOverride(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "lab/scans")

	p := NewPublisher(NewMockClient(), "ignored")
	assert.Equal(t, "lab/scans", p.Prefix())
	assert.True(t, p.Enabled())
}

func TestPublishPair(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "scans")

	ok := success(PairKey{0, 1}, pointcloud.Translation(1, 2, 3))
	ok.Elapsed = 1500 * time.Millisecond
	require.NoError(t, p.PublishPair("run-1", ok))
	require.NoError(t, p.PublishPair("run-1", failure(PairKey{0, 2}, ErrAlignmentNotFound)))

	msgs := client.MessagesOn("scans/pairs/0_1")
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Retain)

	var event PairEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, KindOdometry, event.Kind)
	assert.True(t, event.Success)
	assert.Equal(t, int64(1500), event.ElapsedMs)
	assert.Equal(t, 1.0, event.Overlap)
	require.Len(t, event.Transformation, 16)
	assert.Equal(t, []float64{1, 2, 3, 1}, event.Transformation[12:])

	msgs = client.MessagesOn("scans/pairs/0_2")
	require.Len(t, msgs, 1)
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &event))
	assert.False(t, event.Success)
	assert.Equal(t, KindLoopClosure, event.Kind)
	assert.Equal(t, ErrAlignmentNotFound.Error(), event.Error)
}

func TestPublishSummaryRetained(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "")

	require.NoError(t, p.PublishSummary(&Summary{RunID: "abc", Nodes: 3, OdometryEdges: 2}))

	msgs := client.MessagesOn("fragmesh/summary")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retain)

	var s Summary
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &s))
	assert.Equal(t, "abc", s.RunID)
	assert.Equal(t, 3, s.Nodes)
}

func TestPublishErrors(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	disconnected := NewPublisher(NewMockClient(), "")
	err := disconnected.PublishSummary(&Summary{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))
	err = NewPublisher(client, "").PublishPair("r", failure(PairKey{0, 1}, ErrMissingOdometry))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")
}

func TestSubscribeRuns(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	p := NewPublisher(client, "")

	assert.Error(t, p.SubscribeRuns(func() {}), "subscribing requires a connection")

	client.SetConnected(true)
	triggered := 0
	require.NoError(t, p.SubscribeRuns(func() { triggered++ }))

	client.SimulateMessage("fragmesh/run", []byte("{}"))
	client.SimulateMessage("fragmesh/other", []byte("{}"))
	assert.Equal(t, 1, triggered)
}
