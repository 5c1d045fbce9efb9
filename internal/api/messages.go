package api

import (
	"net/http"
	"strings"
	"time"
)

type conversationRequest struct {
	Player1 string `json:"player1"`
	Player2 string `json:"player2"`
}

type sendMessageRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

// MessageEvent is published for every chat message.
type MessageEvent struct {
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// POST /api/v1/messages/conversations
func (s *Server) openConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	c, err := s.chat.Open(r.Context(), req.Player1, req.Player2)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /api/v1/messages
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	msg, err := s.chat.Send(r.Context(), req.Sender, req.Receiver, req.Content)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	s.hub.Publish(EventMessageSent, MessageEvent{
		Sender:    msg.Sender,
		Receiver:  req.Receiver,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	writeJSON(w, http.StatusCreated, msg)
}

// GET /api/v1/messages?player1=&player2=
func (s *Server) messageHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p1, p2 := strings.TrimSpace(q.Get("player1")), strings.TrimSpace(q.Get("player2"))
	if p1 == "" || p2 == "" {
		writeError(w, "player1 and player2 are required", http.StatusBadRequest)
		return
	}
	msgs, err := s.chat.History(r.Context(), p1, p2)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
