// Package redis implements store.Store on Redis. Jobs are Hashes indexed
// by Sorted Sets per status; claims run as one Lua script and every other
// transition is a WATCH/MULTI transaction over the job key. DLQ entries are
// msgpack blobs.
//
// The claim script touches job keys it computes itself, so the store
// expects a single Redis node or a client without cluster slot routing.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
