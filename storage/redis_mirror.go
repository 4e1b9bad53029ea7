package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marzneshin/marznode/logger"
	"github.com/marzneshin/marznode/model"
)

// RedisMirror wraps a Storage and best-effort mirrors user snapshots into
// Redis after every mutation. It exists purely for local debug tooling
// (e.g. a sibling `redis-cli` session inspecting node state) — it is
// never read from by the reconciliation path, so a Redis outage never
// affects correctness, only the mirror's freshness.
type RedisMirror struct {
	Storage
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror wraps base with a best-effort mirror writing through client.
func NewRedisMirror(base Storage, client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "marznode:user:"
	}
	return &RedisMirror{Storage: base, client: client, prefix: prefix, ttl: 24 * time.Hour}
}

// UpdateUserInbounds mirrors the change after delegating to the wrapped Storage.
func (r *RedisMirror) UpdateUserInbounds(user model.User, inbounds []model.Inbound) {
	r.Storage.UpdateUserInbounds(user, inbounds)
	u, ok := r.Storage.GetUser(user.ID)
	if !ok {
		return
	}
	r.mirrorSet(u)
}

// RemoveUser mirrors the deletion after delegating to the wrapped Storage.
func (r *RedisMirror) RemoveUser(id uint64) {
	r.Storage.RemoveUser(id)
	r.mirrorDel(id)
}

// FlushUsers mirrors the bulk deletion after delegating to the wrapped Storage.
func (r *RedisMirror) FlushUsers() {
	users := r.Storage.ListUsers()
	r.Storage.FlushUsers()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, u := range users {
		if err := r.client.Del(ctx, r.key(u.ID)).Err(); err != nil {
			logger.Debugf("redis mirror: failed to clear user %d: %v", u.ID, err)
		}
	}
}

func (r *RedisMirror) mirrorSet(u model.User) {
	data, err := json.Marshal(mirrorSnapshot{
		ID:       u.ID,
		Username: u.Username,
		Tags:     tagList(u),
	})
	if err != nil {
		logger.Debugf("redis mirror: failed to encode user %d: %v", u.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.key(u.ID), data, r.ttl).Err(); err != nil {
		logger.Debugf("redis mirror: failed to write user %d: %v", u.ID, err)
	}
}

func (r *RedisMirror) mirrorDel(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		logger.Debugf("redis mirror: failed to delete user %d: %v", id, err)
	}
}

func (r *RedisMirror) key(id uint64) string {
	return r.prefix + strconv.FormatUint(id, 10)
}

type mirrorSnapshot struct {
	ID       uint64   `json:"id"`
	Username string   `json:"username"`
	Tags     []string `json:"tags"`
}

func tagList(u model.User) []string {
	tags := make([]string, 0, len(u.Inbounds))
	for tag := range u.Inbounds {
		tags = append(tags, tag)
	}
	return tags
}
