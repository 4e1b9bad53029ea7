package storage

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/marzneshin/marznode/model"
)

func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisMirror(NewMemory(), client, ""), mr
}

func TestRedisMirrorWritesSnapshotOnUpdate(t *testing.T) {
	mirror, mr := newTestMirror(t)

	user := model.User{ID: 7, Username: "alice"}
	mirror.UpdateUserInbounds(user, []model.Inbound{{Tag: "vless-tcp"}})

	raw, err := mr.Get("marznode:user:7")
	require.NoError(t, err)

	var snap mirrorSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	require.Equal(t, uint64(7), snap.ID)
	require.Equal(t, "alice", snap.Username)
	require.Equal(t, []string{"vless-tcp"}, snap.Tags)

	got, ok := mirror.GetUser(7)
	require.True(t, ok)
	require.Equal(t, "alice", got.Username)
}

func TestRedisMirrorDeletesOnRemoveUser(t *testing.T) {
	mirror, mr := newTestMirror(t)

	mirror.UpdateUserInbounds(model.User{ID: 9, Username: "bob"}, []model.Inbound{{Tag: "trojan-tcp"}})
	require.True(t, mr.Exists("marznode:user:9"))

	mirror.RemoveUser(9)
	require.False(t, mr.Exists("marznode:user:9"))

	_, ok := mirror.GetUser(9)
	require.False(t, ok)
}

func TestRedisMirrorFlushUsersClearsEveryKey(t *testing.T) {
	mirror, mr := newTestMirror(t)

	mirror.UpdateUserInbounds(model.User{ID: 1, Username: "a"}, []model.Inbound{{Tag: "t1"}})
	mirror.UpdateUserInbounds(model.User{ID: 2, Username: "b"}, []model.Inbound{{Tag: "t2"}})
	require.True(t, mr.Exists("marznode:user:1"))
	require.True(t, mr.Exists("marznode:user:2"))

	mirror.FlushUsers()

	require.False(t, mr.Exists("marznode:user:1"))
	require.False(t, mr.Exists("marznode:user:2"))
	require.Empty(t, mirror.ListUsers())
}

// Never read from by the reconciliation path: a Redis outage degrades
// the mirror's freshness, not the wrapped Storage's correctness.
func TestRedisMirrorSurvivesRedisOutage(t *testing.T) {
	mirror, mr := newTestMirror(t)
	mr.Close()

	require.NotPanics(t, func() {
		mirror.UpdateUserInbounds(model.User{ID: 3, Username: "c"}, []model.Inbound{{Tag: "t3"}})
	})
	got, ok := mirror.GetUser(3)
	require.True(t, ok)
	require.Equal(t, "c", got.Username)
}
