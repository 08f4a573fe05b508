package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/relayforge/postguard/internal/cluster"
)

func TestGobCodec_RoundTrip(t *testing.T) {
	c := gobCodec{}
	in := cluster.Envelope{
		Type:        cluster.MsgSet,
		SenderID:    "node-a",
		Term:        7,
		Key:         "k1",
		Value:       []byte("payload"),
		TTL:         30 * time.Second,
		Version:     3,
		VoteGranted: true,
	}

	data, err := c.Marshal(&in)
	require.NoError(t, err)

	var out cluster.Envelope
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestGobCodec_Name(t *testing.T) {
	require.Equal(t, "gob", gobCodec{}.Name())
}

func TestGobCodec_RegisteredWithGRPC(t *testing.T) {
	require.NotNil(t, encoding.GetCodec(codecName))
}
