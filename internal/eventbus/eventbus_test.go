package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	env := NewEnvelope(KeyMessageCreated, at, MessageEvent{MessageID: "m1"})

	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, "parley", env.Meta.Producer)
	assert.Equal(t, KeyMessageCreated, env.Meta.Type)
	assert.Equal(t, time.UTC, env.Meta.Time.Location())
	assert.True(t, env.Meta.Time.Equal(at))

	other := NewEnvelope(KeyMessageCreated, at, nil)
	assert.NotEqual(t, env.Meta.ID, other.Meta.ID)
}

func TestPublishing(t *testing.T) {
	env := NewEnvelope(KeyReactionAdded, time.Unix(1700000000, 0), MessageEvent{
		MessageID: "m1", SenderID: "a", ReceiverID: "b", ActorID: "b", Reaction: "👍",
	})

	msg, err := publishing(env)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, env.Meta.ID, msg.MessageId)
	assert.Equal(t, KeyReactionAdded, msg.Type)

	var decoded struct {
		Meta Meta           `json:"meta"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, env.Meta.ID, decoded.Meta.ID)
	assert.Equal(t, "m1", decoded.Data["message_id"])
	assert.Equal(t, "👍", decoded.Data["reaction"])
	assert.NotContains(t, decoded.Data, "kind")
}

func TestPublishing_UnencodableData(t *testing.T) {
	_, err := publishing(NewEnvelope(KeyMessageRead, time.Now(), make(chan int)))
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	require.NoError(t, p.Publish(context.Background(), KeyMessageDeleted, Envelope{}))
	require.NoError(t, p.Close())
}
