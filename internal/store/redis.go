package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocksim/league-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for games, which are read on every leaderboard, portfolio view and
// trade pre-check but written rarely. Writes go to the primary store and then
// refresh the cached copy; reads check Redis first then fall back to the
// primary. GetGameLatest always reads the primary.
//
// Every cache write goes through storeGameScript, which never replaces a
// cached game with an older version. A reader that loaded a game just before
// a concurrent write therefore cannot put the superseded copy back.
//
// Player documents are not cached: they change on every trade and their
// versions must come from the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// storeGameScript sets KEYS[1] to ARGV[1] unless the cached document already
// carries a version >= ARGV[2]. ARGV[3] is the TTL in milliseconds, 0 for none.
var storeGameScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local ok, doc = pcall(cjson.decode, cur)
	if ok and type(doc) == "table" and tonumber(doc["version"]) and tonumber(doc["version"]) >= tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, then refresh the cache) ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.Store.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cacheGame(ctx, g)
	return nil
}

func (s *CachedStore) SaveGame(ctx context.Context, g *model.Game) error {
	if err := s.Store.SaveGame(ctx, g); err != nil {
		return err
	}
	s.cacheGame(ctx, g)
	return nil
}

func (s *CachedStore) SaveGamePlayers(ctx context.Context, g *model.Game, players ...*model.Player) error {
	if err := s.Store.SaveGamePlayers(ctx, g, players...); err != nil {
		return err
	}
	s.cacheGame(ctx, g)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	data, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == nil {
		var g model.Game
		if json.Unmarshal(data, &g) == nil {
			return &g, nil
		}
	}

	// Cache miss: read from primary.
	g, err := s.Store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheGame(ctx, g)
	return g, nil
}

// GetGameLatest reads the primary and refreshes the cache with the result.
func (s *CachedStore) GetGameLatest(ctx context.Context, id string) (*model.Game, error) {
	g, err := s.Store.GetGameLatest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheGame(ctx, g)
	return g, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheGame(ctx context.Context, g *model.Game) {
	data, err := json.Marshal(g)
	if err != nil {
		return
	}
	err = storeGameScript.Run(ctx, s.rdb, []string{gameKey(g.ID)}, data, g.Version, s.ttl.Milliseconds()).Err()
	if err != nil {
		// A failed refresh must not leave an older copy behind.
		slog.Warn("cache game failed", "game_id", g.ID, "error", err)
		s.invalidate(ctx, g.ID)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	if err := s.rdb.Del(ctx, gameKey(id)).Err(); err != nil {
		slog.Warn("invalidate game cache failed", "game_id", id, "error", err)
	}
}

func gameKey(id string) string { return fmt.Sprintf("game:%s", id) }
