package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-service/domain"
	"wiki-realtime/shared/protocol"
)

const (
	membershipKeyPrefix = "realtime:memberships:"
	teamUsersKeyPrefix  = "realtime:team-users:"
)

// Memberships is what a user can see: their team and readable collections.
type Memberships struct {
	TeamID        string   `json:"teamId"`
	CollectionIDs []string `json:"collectionIds"`
}

func (m Memberships) HasCollection(id string) bool {
	for _, c := range m.CollectionIDs {
		if c == id {
			return true
		}
	}
	return false
}

type membershipSource interface {
	TeamID(ctx context.Context, userID string) (string, error)
	CollectionIDs(ctx context.Context, userID, teamID string) ([]string, error)
}

// Cache keeps per-user memberships in Redis. A nil Redis client or a zero TTL
// disables caching; Redis failures fall back to the source.
type Cache struct {
	base   membershipSource
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewCache(base membershipSource, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: membership source is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

func membershipKey(userID string) string { return membershipKeyPrefix + userID }
func teamUsersKey(teamID string) string  { return teamUsersKeyPrefix + teamID }

// Memberships returns the cached memberships of userID, loading them on a miss.
func (c *Cache) Memberships(ctx context.Context, userID string) (Memberships, error) {
	if m, ok := c.load(ctx, userID); ok {
		return m, nil
	}
	teamID, err := c.base.TeamID(ctx, userID)
	if err != nil {
		return Memberships{}, err
	}
	ids, err := c.base.CollectionIDs(ctx, userID, teamID)
	if err != nil {
		return Memberships{}, err
	}
	m := Memberships{TeamID: teamID, CollectionIDs: ids}
	c.store(ctx, userID, m)
	return m, nil
}

func (c *Cache) load(ctx context.Context, userID string) (Memberships, bool) {
	if c.redis == nil || c.ttl == 0 {
		return Memberships{}, false
	}
	data, err := c.redis.Get(ctx, membershipKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).WithField("user_id", userID).Warn("membership cache read failed")
		}
		return Memberships{}, false
	}
	var m Memberships
	if err := sonic.Unmarshal(data, &m); err != nil {
		_ = c.redis.Del(ctx, membershipKey(userID)).Err()
		return Memberships{}, false
	}
	return m, true
}

func (c *Cache) store(ctx context.Context, userID string, m Memberships) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(m)
	if err != nil {
		return
	}
	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, membershipKey(userID), data, c.ttl)
		if m.TeamID != "" {
			pipe.SAdd(ctx, teamUsersKey(m.TeamID), userID)
			pipe.Expire(ctx, teamUsersKey(m.TeamID), c.ttl)
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Warn("membership cache write failed")
	}
}

// Invalidate drops the cached memberships of userID.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if c.redis == nil || userID == "" {
		return nil
	}
	return c.redis.Del(ctx, membershipKey(userID)).Err()
}

// InvalidateTeam drops the cached memberships of every user cached for teamID.
func (c *Cache) InvalidateTeam(ctx context.Context, teamID string) error {
	if c.redis == nil || teamID == "" {
		return nil
	}
	users, err := c.redis.SMembers(ctx, teamUsersKey(teamID)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(users)+1)
	for _, u := range users {
		keys = append(keys, membershipKey(u))
	}
	keys = append(keys, teamUsersKey(teamID))
	return c.redis.Del(ctx, keys...).Err()
}

// Handle keeps the cache in step with membership and collection events.
func (c *Cache) Handle(ctx context.Context, ev domain.Event) error {
	switch ev.Name {
	case protocol.CollectionsAddUser, protocol.CollectionsRemoveUser:
		return c.Invalidate(ctx, ev.SubjectID)
	case protocol.CollectionsCreate, protocol.CollectionsUpdate, protocol.CollectionsDelete:
		if err := c.Invalidate(ctx, ev.ActorID); err != nil {
			return err
		}
		return c.InvalidateTeam(ctx, ev.TeamID)
	}
	return nil
}
