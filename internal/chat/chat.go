// Package chat implements pairwise messaging between players. Players are
// addressed by username. A pair shares one conversation regardless of who
// opened it; delivery is store-and-fetch with no receipts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/store"
)

// MaxMessageLength caps the content of one message, in bytes.
const MaxMessageLength = 2000

var (
	ErrEmptyMessage = errors.New("message content is required")
	ErrTooLong      = errors.New("message is too long")
	ErrSamePlayer   = errors.New("players cannot message themselves")
)

// Service stores and retrieves conversations.
type Service struct {
	store store.Store
	now   func() time.Time
	log   *slog.Logger
}

// NewService creates a chat service. A nil now selects the wall clock.
func NewService(st store.Store, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, now: now, log: logger}
}

// Open returns the conversation player1 opened with player2, creating it
// when it does not exist yet.
func (s *Service) Open(ctx context.Context, player1, player2 string) (*model.Conversation, error) {
	if err := s.checkPair(ctx, player1, player2); err != nil {
		return nil, err
	}
	c, err := s.store.FindConversation(ctx, player1, player2)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.create(ctx, player1, player2)
}

// Send appends a message from sender to the pair's conversation, opening one
// if neither orientation exists.
func (s *Service) Send(ctx context.Context, sender, receiver, content string) (*model.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLong, len(content), MaxMessageLength)
	}
	if err := s.checkPair(ctx, sender, receiver); err != nil {
		return nil, err
	}

	convs, err := s.store.FindConversations(ctx, sender, receiver)
	if err != nil {
		return nil, err
	}
	var c *model.Conversation
	if len(convs) > 0 {
		c = &convs[0]
	} else if c, err = s.create(ctx, sender, receiver); err != nil {
		return nil, err
	}

	msg := model.ChatMessage{Sender: sender, Content: content, Timestamp: s.now()}
	if err := s.store.AppendMessage(ctx, c.ID, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.log.Debug("message sent", "conversation_id", c.ID, "sender", sender, "receiver", receiver)
	return &msg, nil
}

// History returns every message exchanged by the pair, oldest first.
func (s *Service) History(ctx context.Context, player1, player2 string) ([]model.ChatMessage, error) {
	convs, err := s.store.FindConversations(ctx, player1, player2)
	if err != nil {
		return nil, err
	}
	msgs := []model.ChatMessage{}
	for _, c := range convs {
		msgs = append(msgs, c.Messages...)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

func (s *Service) create(ctx context.Context, player1, player2 string) (*model.Conversation, error) {
	c := &model.Conversation{ID: uuid.NewString(), Player1: player1, Player2: player2, Messages: []model.ChatMessage{}}
	err := s.store.CreateConversation(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent open.
		return s.store.FindConversation(ctx, player1, player2)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Service) checkPair(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSamePlayer
	}
	for _, username := range []string{a, b} {
		if _, err := s.store.GetPlayerByUsername(ctx, username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ledger.ErrPlayerNotFound, username)
			}
			return err
		}
	}
	return nil
}
