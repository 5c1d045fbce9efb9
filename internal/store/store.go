// Package store defines the persistence interface for the league engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for games), and in-memory (for testing and development).
//
// Writes validate documents first and use optimistic versions: Save* calls
// carry the version that was read and fail with ErrConflict if the stored
// document moved on. On success the caller's Version is advanced.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stocksim/league-engine/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
	ErrConflict  = errors.New("store: concurrent modification")
)

// Store is the persistence interface.
type Store interface {
	// --- Players ---

	// CreatePlayer persists a new player. Username and email are unique.
	CreatePlayer(ctx context.Context, p *model.Player) error

	// GetPlayer retrieves a player by ID.
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// GetPlayerByUsername retrieves a player by username.
	GetPlayerByUsername(ctx context.Context, username string) (*model.Player, error)

	// ListPlayers returns all players.
	ListPlayers(ctx context.Context) ([]model.Player, error)

	// SavePlayer replaces the player document in a single write.
	SavePlayer(ctx context.Context, p *model.Player) error

	// --- Admins ---

	CreateAdmin(ctx context.Context, a *model.Admin) error
	GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error)

	// --- Games ---

	CreateGame(ctx context.Context, g *model.Game) error
	GetGame(ctx context.Context, id string) (*model.Game, error)

	// GetGameLatest reads the game from the system of record, skipping any
	// cache. Callers holding the game lock use it before writing the game.
	GetGameLatest(ctx context.Context, id string) (*model.Game, error)

	// ListActiveGames returns games with StartingTime <= at <= EndTime.
	ListActiveGames(ctx context.Context, at time.Time) ([]model.Game, error)

	// ListUnsettledGames returns games with EndTime <= at and no winner.
	ListUnsettledGames(ctx context.Context, at time.Time) ([]model.Game, error)

	SaveGame(ctx context.Context, g *model.Game) error

	// SaveGamePlayers writes a game and some of its players as one
	// all-or-nothing unit. Every document is version checked.
	SaveGamePlayers(ctx context.Context, g *model.Game, players ...*model.Player) error

	// --- Conversations ---

	CreateConversation(ctx context.Context, c *model.Conversation) error

	// FindConversation returns the conversation opened by player1 with player2.
	FindConversation(ctx context.Context, player1, player2 string) (*model.Conversation, error)

	// FindConversations returns conversations between a and b in either
	// orientation.
	FindConversations(ctx context.Context, a, b string) ([]model.Conversation, error)

	// AppendMessage atomically appends a message to a conversation.
	AppendMessage(ctx context.Context, conversationID string, msg model.ChatMessage) error
}
