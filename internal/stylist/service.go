package stylist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/google/uuid"
)

// ConversationWindow is how long after its last message a conversation
// is continued rather than a new one started.
const ConversationWindow = 30 * time.Minute

// ErrEmptyMessage is returned for a blank chat message.
var ErrEmptyMessage = errors.New("empty chat message")

// Collections is the part of the synchronizer the service reads and writes.
type Collections interface {
	Profile(ctx context.Context) (*domain.Profile, error)
	Collection(ctx context.Context, key string, v any) (bool, error)
	PushCollection(ctx context.Context, key string, items any) error
}

// Service answers chat messages on the primary and records transcripts
// into chat_conversations.
type Service struct {
	responder   Responder
	collections Collections
	clock       clock.Clock
	logger      *slog.Logger

	// mu serializes transcript read-modify-write.
	mu sync.Mutex
}

// NewService returns a Service.
func NewService(r Responder, c Collections, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{responder: r, collections: c, clock: clk, logger: logger.With("component", "stylist")}
}

// Chat answers text and appends the exchange to the transcript.
func (s *Service) Chat(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	profile, err := s.collections.Profile(ctx)
	if err != nil {
		s.logger.Warn("chat without profile context", "error", err)
		profile = nil
	}
	var wardrobe []domain.WardrobeItem
	if _, err := s.collections.Collection(ctx, store.KeyWardrobeItems, &wardrobe); err != nil {
		s.logger.Warn("chat without wardrobe context", "error", err)
	}

	reply, err := s.responder.Respond(ctx, Request{Text: text, Profile: profile, Wardrobe: wardrobe})
	if err != nil {
		return "", fmt.Errorf("respond: %w", err)
	}

	if err := s.record(ctx, text, reply); err != nil {
		s.logger.Error("failed to record conversation", "error", err)
	}
	return reply, nil
}

// HandleMessage serves chat_message requests from the companion.
func (s *Service) HandleMessage(ctx context.Context, msg peer.Message) (any, error) {
	var req peer.ChatRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	reply, err := s.Chat(ctx, req.Text)
	if err != nil {
		return nil, err
	}
	return peer.ChatReply{Response: reply}, nil
}

func (s *Service) record(ctx context.Context, text, reply string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var convs []domain.Conversation
	if _, err := s.collections.Collection(ctx, store.KeyChatConversations, &convs); err != nil {
		s.logger.Warn("starting fresh transcript, stored one unreadable", "error", err)
		convs = nil
	}

	now := s.clock.Now().UTC()
	if n := len(convs); n == 0 || now.Sub(convs[n-1].UpdatedAt) > ConversationWindow {
		convs = append(convs, domain.Conversation{ID: uuid.NewString()})
	}
	current := &convs[len(convs)-1]
	current.Append(domain.RoleUser, text, now)
	current.Append(domain.RoleAssistant, reply, now)

	return s.collections.PushCollection(ctx, store.KeyChatConversations, convs)
}
