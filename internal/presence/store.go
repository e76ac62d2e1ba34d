package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
)

// Store is the part of the Redis client presence relies on.
type Store interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// keyspace derives heartbeat keys and pub/sub channels from one prefix.
// Heartbeats live at <prefix><doc>:client:<client>, updates are published
// on <prefix><doc>.
type keyspace string

func (k keyspace) heartbeat(doc types.DocumentID, client types.ClientID) string {
	return string(k) + string(doc) + ":client:" + string(client)
}

func (k keyspace) heartbeats(doc types.DocumentID) string {
	return string(k) + string(doc) + ":client:*"
}

func (k keyspace) channel(doc types.DocumentID) string { return string(k) + string(doc) }
func (k keyspace) pattern() string                     { return string(k) + "*" }

// document recovers the document id from a heartbeat key or channel name.
func (k keyspace) document(name string) types.DocumentID {
	rest := strings.TrimPrefix(name, string(k))
	if i := strings.Index(rest, ":client:"); i >= 0 {
		rest = rest[:i]
	}
	return types.DocumentID(rest)
}

// Heartbeats are stored as protojson so keys stay readable from redis-cli.
// Pub/sub messages use the binary proto encoding of the same struct.

func encodeStored(update wire.Presence) ([]byte, error) {
	st, err := wire.ToStruct(update)
	if err != nil {
		return nil, err
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal presence: %w", err)
	}
	return data, nil
}

func decodeStored(data []byte) (wire.Presence, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(data, &st); err != nil {
		return wire.Presence{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	return fromStruct(&st)
}

// message is what instances publish to each other.
type message struct {
	Origin   string        `json:"origin"`
	Presence wire.Presence `json:"presence"`
}

func encodeMessage(origin string, update wire.Presence) ([]byte, error) {
	st, err := wire.ToStruct(message{Origin: origin, Presence: update})
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal presence update: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (message, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return message{}, fmt.Errorf("unmarshal presence update: %w", err)
	}
	var msg message
	if err := wire.FromStruct(&st, &msg); err != nil {
		return message{}, err
	}
	return msg, nil
}

func fromStruct(st *structpb.Struct) (wire.Presence, error) {
	var update wire.Presence
	if err := wire.FromStruct(st, &update); err != nil {
		return wire.Presence{}, err
	}
	return update, nil
}

// load reads every live heartbeat of a document.
func load(ctx context.Context, store Store, keys keyspace, doc types.DocumentID, logger func(error)) ([]wire.Presence, error) {
	iter := store.Scan(ctx, 0, keys.heartbeats(doc), scanBatchSize).Iterator()
	var found []string
	for iter.Next(ctx) {
		found = append(found, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	values, err := store.MGet(ctx, found...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}
	updates := make([]wire.Presence, 0, len(values))
	for _, raw := range values {
		// Keys can expire between SCAN and MGET.
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		update, err := decodeStored([]byte(s))
		if err != nil {
			logger(err)
			continue
		}
		updates = append(updates, update)
	}
	sortByClient(updates)
	return updates, nil
}
