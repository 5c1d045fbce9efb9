package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stocksim/league-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	players       map[string]*model.Player
	admins        map[string]*model.Admin
	games         map[string]*model.Game
	conversations map[string]*model.Conversation
	now           func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:       make(map[string]*model.Player),
		admins:        make(map[string]*model.Admin),
		games:         make(map[string]*model.Game),
		conversations: make(map[string]*model.Conversation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// --- Players ---

func (s *MemoryStore) CreatePlayer(_ context.Context, p *model.Player) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[p.ID]; ok {
		return fmt.Errorf("%w: player %s", ErrDuplicate, p.ID)
	}
	for _, existing := range s.players {
		if existing.Username == p.Username || existing.Email == p.Email {
			return fmt.Errorf("%w: username or email already registered", ErrDuplicate)
		}
	}

	now := s.now()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	s.players[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetPlayerByUsername(_ context.Context, username string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.players {
		if p.Username == username {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: player %s", ErrNotFound, username)
}

func (s *MemoryStore) ListPlayers(_ context.Context) ([]model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]model.Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, *p.Clone())
	}
	sort.Slice(players, func(i, j int) bool { return players[i].CreatedAt.Before(players[j].CreatedAt) })
	return players, nil
}

func (s *MemoryStore) SavePlayer(_ context.Context, p *model.Player) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPlayerLocked(p); err != nil {
		return err
	}
	s.putPlayerLocked(p)
	return nil
}

func (s *MemoryStore) checkPlayerLocked(p *model.Player) error {
	existing, ok := s.players[p.ID]
	if !ok {
		return fmt.Errorf("%w: player %s", ErrNotFound, p.ID)
	}
	if existing.Version != p.Version {
		return fmt.Errorf("%w: player %s at version %d, have %d", ErrConflict, p.ID, existing.Version, p.Version)
	}
	return nil
}

func (s *MemoryStore) putPlayerLocked(p *model.Player) {
	p.Version++
	p.UpdatedAt = s.now()
	s.players[p.ID] = p.Clone()
}

// --- Admins ---

func (s *MemoryStore) CreateAdmin(_ context.Context, a *model.Admin) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.admins {
		if existing.Username == a.Username || existing.Email == a.Email {
			return fmt.Errorf("%w: username or email already registered", ErrDuplicate)
		}
	}
	a.CreatedAt = s.now()
	stored := *a
	s.admins[a.ID] = &stored
	return nil
}

func (s *MemoryStore) GetAdminByUsername(_ context.Context, username string) (*model.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.admins {
		if a.Username == username {
			found := *a
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: admin %s", ErrNotFound, username)
}

// --- Games ---

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("%w: game %s", ErrDuplicate, g.ID)
	}
	g.Version = 1
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	s.games[g.ID] = g.Clone()
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", ErrNotFound, id)
	}
	return g.Clone(), nil
}

func (s *MemoryStore) GetGameLatest(ctx context.Context, id string) (*model.Game, error) {
	return s.GetGame(ctx, id)
}

func (s *MemoryStore) ListActiveGames(_ context.Context, at time.Time) ([]model.Game, error) {
	return s.filterGames(func(g *model.Game) bool {
		return !at.Before(g.StartingTime) && !at.After(g.EndTime)
	}), nil
}

func (s *MemoryStore) ListUnsettledGames(_ context.Context, at time.Time) ([]model.Game, error) {
	return s.filterGames(func(g *model.Game) bool {
		return !at.Before(g.EndTime) && g.Winner == nil
	}), nil
}

func (s *MemoryStore) filterGames(keep func(*model.Game) bool) []model.Game {
	s.mu.RLock()
	defer s.mu.RUnlock()

	games := []model.Game{}
	for _, g := range s.games {
		if keep(g) {
			games = append(games, *g.Clone())
		}
	}
	sort.Slice(games, func(i, j int) bool { return games[i].StartingTime.Before(games[j].StartingTime) })
	return games
}

func (s *MemoryStore) SaveGame(_ context.Context, g *model.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGameLocked(g); err != nil {
		return err
	}
	s.putGameLocked(g)
	return nil
}

func (s *MemoryStore) SaveGamePlayers(_ context.Context, g *model.Game, players ...*model.Player) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, p := range players {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check everything before touching anything.
	if err := s.checkGameLocked(g); err != nil {
		return err
	}
	for _, p := range players {
		if err := s.checkPlayerLocked(p); err != nil {
			return err
		}
	}
	s.putGameLocked(g)
	for _, p := range players {
		s.putPlayerLocked(p)
	}
	return nil
}

func (s *MemoryStore) checkGameLocked(g *model.Game) error {
	existing, ok := s.games[g.ID]
	if !ok {
		return fmt.Errorf("%w: game %s", ErrNotFound, g.ID)
	}
	if existing.Version != g.Version {
		return fmt.Errorf("%w: game %s at version %d, have %d", ErrConflict, g.ID, existing.Version, g.Version)
	}
	return nil
}

func (s *MemoryStore) putGameLocked(g *model.Game) {
	g.Version++
	s.games[g.ID] = g.Clone()
}

// --- Conversations ---

func (s *MemoryStore) CreateConversation(_ context.Context, c *model.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.conversations {
		if existing.Player1 == c.Player1 && existing.Player2 == c.Player2 {
			return fmt.Errorf("%w: conversation %s/%s", ErrDuplicate, c.Player1, c.Player2)
		}
	}
	s.conversations[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) FindConversation(_ context.Context, player1, player2 string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if c.Player1 == player1 && c.Player2 == player2 {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: conversation %s/%s", ErrNotFound, player1, player2)
}

func (s *MemoryStore) FindConversations(_ context.Context, a, b string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Conversation
	for _, c := range s.conversations {
		if (c.Player1 == a && c.Player2 == b) || (c.Player1 == b && c.Player2 == a) {
			result = append(result, *c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, msg model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	c.Messages = append(c.Messages, msg)
	return nil
}
