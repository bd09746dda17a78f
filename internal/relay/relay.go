package relay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabcore/pkg/logger"
)

const broadcastChannel = "collab:broadcast"

// envelope wraps a session frame for pub/sub. Node identifies the publisher
// so a node never re-delivers its own broadcasts. Key is the (project,
// document) pair the frame belongs to; it is stable across nodes, unlike
// the node-local session ids.
type envelope struct {
	Node  string          `json:"node"`
	Key   string          `json:"key"`
	Frame json.RawMessage `json:"frame"`
}

// Relay mirrors session broadcasts between nodes over a single redis pub/sub
// channel. Origin-channel exclusion happens on the publishing node, so the
// receiving side only has to fan out to its local session members.
type Relay struct {
	rdb  *redis.Client
	node string
}

func New(rdb *redis.Client) *Relay {
	return &Relay{rdb: rdb, node: uuid.NewString()}
}

// Publish mirrors one encoded frame to the other nodes. Best effort: presence
// and operation frames are reconstructable, so a failed publish is logged and
// dropped rather than retried.
func (r *Relay) Publish(key string, frame []byte) {
	payload, err := json.Marshal(envelope{Node: r.node, Key: key, Frame: frame})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling relay envelope: %v", err)
		return
	}
	if err := r.rdb.Publish(context.Background(), broadcastChannel, payload).Err(); err != nil {
		logger.Sugar.Warnf("Relay publish failed: %v", err)
	}
}

// Listen consumes frames published by other nodes and hands them to deliver.
// Blocks until ctx is cancelled.
func (r *Relay) Listen(ctx context.Context, deliver func(key string, frame []byte)) {
	sub := r.rdb.Subscribe(ctx, broadcastChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Sugar.Warnf("Dropping malformed relay frame: %v", err)
				continue
			}
			if env.Node == r.node {
				continue
			}
			deliver(env.Key, env.Frame)
		}
	}
}
