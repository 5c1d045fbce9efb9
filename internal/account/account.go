// Package account registers and authenticates players and administrators.
// Passwords are stored as bcrypt hashes and never leave this package.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/store"
)

var (
	ErrMissingFields      = errors.New("username, email and password are required")
	ErrDuplicateAccount   = errors.New("username or email already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// InitialCash is the balance of a newly registered player.
var InitialCash = decimal.NewFromInt(1000)

// Service handles registration and login.
type Service struct {
	store store.Store
	cost  int
	log   *slog.Logger
}

// NewService creates an account service. cost is the bcrypt work factor;
// values below bcrypt.MinCost select bcrypt.DefaultCost.
func NewService(st store.Store, cost int, logger *slog.Logger) *Service {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, cost: cost, log: logger}
}

// RegisterPlayer creates an inactive player holding InitialCash.
func (s *Service) RegisterPlayer(ctx context.Context, username, email, password string) (*model.Player, error) {
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return nil, ErrMissingFields
	}
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}

	p := &model.Player{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         email,
		PasswordHash:  hash,
		Portfolio:     model.Portfolio{Cash: InitialCash, Holdings: []model.Holding{}},
		History:       []model.PortfolioSnapshot{},
		Transactions:  []model.Transaction{},
		Watchlist:     []string{},
		Notifications: []string{},
	}
	if err := s.store.CreatePlayer(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("create player: %w", err)
	}
	s.log.Info("player registered", "player_id", p.ID, "username", p.Username)
	return p, nil
}

// LoginPlayer checks a player's password.
func (s *Service) LoginPlayer(ctx context.Context, username, password string) (*model.Player, error) {
	p, err := s.store.GetPlayerByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return p, nil
}

// RegisterAdmin creates an administrator account.
func (s *Service) RegisterAdmin(ctx context.Context, username, email, password, fullName string) (*model.Admin, error) {
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return nil, ErrMissingFields
	}
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}

	a := &model.Admin{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(fullName),
	}
	if err := s.store.CreateAdmin(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("create admin: %w", err)
	}
	s.log.Info("admin registered", "admin_id", a.ID, "username", a.Username)
	return a, nil
}

// LoginAdmin checks an administrator's password.
func (s *Service) LoginAdmin(ctx context.Context, username, password string) (*model.Admin, error) {
	a, err := s.store.GetAdminByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

// Notifications returns a player's notifications, oldest first.
func (s *Service) Notifications(ctx context.Context, playerID string) ([]string, error) {
	p, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrPlayerNotFound, playerID)
		}
		return nil, err
	}
	return p.Notifications, nil
}

func (s *Service) hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}
