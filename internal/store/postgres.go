package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocksim/league-engine/internal/model"
)

//go:embed schema.sql
var schema string

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Player state is kept as a JSONB document next to its unique keys; game money
// is stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- Players ---

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now

	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode player %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO players (id, username, email, password_hash, doc, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Username, p.Email, p.PasswordHash, doc, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username or email already registered", ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT doc, password_hash, version FROM players WHERE id = $1`, id)
	p, err := scanPlayer(row)
	if err != nil {
		return nil, notFound(err, "player "+id)
	}
	return p, nil
}

func (s *PostgresStore) GetPlayerByUsername(ctx context.Context, username string) (*model.Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT doc, password_hash, version FROM players WHERE username = $1`, username)
	p, err := scanPlayer(row)
	if err != nil {
		return nil, notFound(err, "player "+username)
	}
	return p, nil
}

func (s *PostgresStore) ListPlayers(ctx context.Context) ([]model.Player, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc, password_hash, version FROM players ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	players := []model.Player{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

func (s *PostgresStore) SavePlayer(ctx context.Context, p *model.Player) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return savePlayer(ctx, s.pool, p)
}

func savePlayer(ctx context.Context, db execer, p *model.Player) error {
	next := *p
	next.Version = p.Version + 1
	next.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode player %s: %w", p.ID, err)
	}

	tag, err := db.Exec(ctx,
		`UPDATE players SET doc = $3, version = $4, updated_at = $5
		 WHERE id = $1 AND version = $2`,
		p.ID, p.Version, doc, next.Version, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save player %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: player %s at version %d", ErrConflict, p.ID, p.Version)
	}
	p.Version, p.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func scanPlayer(row pgx.Row) (*model.Player, error) {
	var (
		doc     []byte
		hash    string
		version int64
	)
	if err := row.Scan(&doc, &hash, &version); err != nil {
		return nil, err
	}
	var p model.Player
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode player: %w", err)
	}
	p.PasswordHash = hash
	p.Version = version
	return &p, nil
}

// --- Admins ---

func (s *PostgresStore) CreateAdmin(ctx context.Context, a *model.Admin) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admins (id, username, email, password_hash, full_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Username, a.Email, a.PasswordHash, a.FullName, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username or email already registered", ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	var a model.Admin
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, full_name, created_at
		 FROM admins WHERE username = $1`, username).
		Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.FullName, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "admin "+username)
	}
	return &a, nil
}

// --- Games ---

const gameColumns = `id, starting_time, end_time, starting_amount::TEXT, players, winner, created_at, version`

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	g.Version = 1
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO games (id, starting_time, end_time, starting_amount, players, winner, created_at, version)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		g.ID, g.StartingTime, g.EndTime, g.StartingAmount.String(),
		playerIDs(g.Players), g.Winner, g.CreatedAt, g.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: game %s", ErrDuplicate, g.ID)
	}
	return err
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	g, err := scanGame(s.pool.QueryRow(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "game "+id)
	}
	return g, nil
}

func (s *PostgresStore) GetGameLatest(ctx context.Context, id string) (*model.Game, error) {
	return s.GetGame(ctx, id)
}

func (s *PostgresStore) ListActiveGames(ctx context.Context, at time.Time) ([]model.Game, error) {
	return s.queryGames(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE starting_time <= $1 AND end_time >= $1
		 ORDER BY starting_time`, at)
}

func (s *PostgresStore) ListUnsettledGames(ctx context.Context, at time.Time) ([]model.Game, error) {
	return s.queryGames(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE end_time <= $1 AND winner IS NULL
		 ORDER BY starting_time`, at)
}

func (s *PostgresStore) queryGames(ctx context.Context, sql string, args ...any) ([]model.Game, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	games := []model.Game{}
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

func (s *PostgresStore) SaveGame(ctx context.Context, g *model.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return saveGame(ctx, s.pool, g)
}

func saveGame(ctx context.Context, db execer, g *model.Game) error {
	tag, err := db.Exec(ctx,
		`UPDATE games
		 SET starting_time = $3, end_time = $4, starting_amount = $5::NUMERIC,
		     players = $6, winner = $7, version = version + 1
		 WHERE id = $1 AND version = $2`,
		g.ID, g.Version, g.StartingTime, g.EndTime, g.StartingAmount.String(),
		playerIDs(g.Players), g.Winner,
	)
	if err != nil {
		return fmt.Errorf("save game %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: game %s at version %d", ErrConflict, g.ID, g.Version)
	}
	g.Version++
	return nil
}

func (s *PostgresStore) SaveGamePlayers(ctx context.Context, g *model.Game, players ...*model.Player) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, p := range players {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Work on copies so a rolled back transaction leaves callers' versions alone.
	game := g.Clone()
	if err := saveGame(ctx, tx, game); err != nil {
		return err
	}
	staged := make([]*model.Player, len(players))
	for i, p := range players {
		staged[i] = p.Clone()
		if err := savePlayer(ctx, tx, staged[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	g.Version = game.Version
	for i, p := range players {
		p.Version, p.UpdatedAt = staged[i].Version, staged[i].UpdatedAt
	}
	return nil
}

func scanGame(row pgx.Row) (*model.Game, error) {
	var (
		g      model.Game
		amount string
	)
	if err := row.Scan(&g.ID, &g.StartingTime, &g.EndTime, &amount,
		&g.Players, &g.Winner, &g.CreatedAt, &g.Version); err != nil {
		return nil, err
	}
	var err error
	if g.StartingAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode starting amount of game %s: %w", g.ID, err)
	}
	return &g, nil
}

// --- Conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	msgs, err := json.Marshal(messages(c.Messages))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, player1, player2, messages) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Player1, c.Player2, msgs,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: conversation %s/%s", ErrDuplicate, c.Player1, c.Player2)
	}
	return err
}

func (s *PostgresStore) FindConversation(ctx context.Context, player1, player2 string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, player1, player2, messages FROM conversations
		 WHERE player1 = $1 AND player2 = $2`, player1, player2))
	if err != nil {
		return nil, notFound(err, "conversation "+player1+"/"+player2)
	}
	return c, nil
}

func (s *PostgresStore) FindConversations(ctx context.Context, a, b string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, player1, player2, messages FROM conversations
		 WHERE (player1 = $1 AND player2 = $2) OR (player1 = $2 AND player2 = $1)
		 ORDER BY id`, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg model.ChatMessage) error {
	data, err := json.Marshal([]model.ChatMessage{msg})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET messages = messages || $2::JSONB WHERE id = $1`,
		conversationID, data)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", conversationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		c    model.Conversation
		msgs []byte
	)
	if err := row.Scan(&c.ID, &c.Player1, &c.Player2, &msgs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(msgs, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", c.ID, err)
	}
	return &c, nil
}

// --- Helpers ---

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// playerIDs keeps an empty roster from being written as NULL.
func playerIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func messages(m []model.ChatMessage) []model.ChatMessage {
	if m == nil {
		return []model.ChatMessage{}
	}
	return m
}
