// ABOUTME: HTTP handlers for conversations, messages, viewing, and typing
// ABOUTME: JSON request/response shapes and manual path routing

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/store"
)

// defaultListLimit bounds message history pages when the client does not ask
// for a specific size.
const defaultListLimit = 50

// maxListLimit caps a single history page regardless of what the client asks
// for.
const maxListLimit = 500

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// ConversationResponse is the JSON shape of a single conversation.
type ConversationResponse struct {
	ID             string    `json:"id"`
	PeerID         string    `json:"peer_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastSeq        int64     `json:"last_seq"`
}

// ConversationSummaryResponse is one inbox entry for GET /api/conversations.
type ConversationSummaryResponse struct {
	ID              string     `json:"id"`
	PeerID          string     `json:"peer_id"`
	PeerUsername    string     `json:"peer_username"`
	PeerDisplayName string     `json:"peer_display_name"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	LastSeq         int64      `json:"last_seq"`
	LastRead        *time.Time `json:"last_read,omitempty"`
	UnreadCount     int        `json:"unread_count"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummaryResponse `json:"conversations"`
}

// AppendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
// CorrelationID is a client-generated id that makes send retries idempotent.
type AppendMessageRequest struct {
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// EditMessageRequest is the JSON request body for PATCH /api/messages/{id}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []*dispatch.Message `json:"messages"`
}

// TypingRequest is the JSON request body for POST /api/conversations/{id}/typing.
type TypingRequest struct {
	Active bool `json:"active"`
}

// TypingResponse is the JSON response for GET /api/conversations/{id}/typing.
type TypingResponse struct {
	Users []string `json:"users"`
}

func conversationResponse(conv *store.Conversation, userID string) ConversationResponse {
	return ConversationResponse{
		ID:             conv.ID,
		PeerID:         conv.Peer(userID),
		CreatedAt:      conv.CreatedAt,
		LastActivityAt: conv.LastActivityAt,
		LastSeq:        conv.LastSeq,
	}
}

// handleConversations handles GET and POST /api/conversations.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID := s.authenticate(w, r)
	if userID == "" {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listConversations(w, r, userID)
	case http.MethodPost:
		s.createConversation(w, r, userID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, userID string) {
	sums, err := s.directory.ListConversations(r.Context(), userID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	response := ListConversationsResponse{
		Conversations: make([]ConversationSummaryResponse, 0, len(sums)),
	}
	for _, sum := range sums {
		response.Conversations = append(response.Conversations, ConversationSummaryResponse{
			ID:              sum.Conversation.ID,
			PeerID:          sum.Peer.ID,
			PeerUsername:    sum.Peer.Username,
			PeerDisplayName: sum.Peer.DisplayName,
			LastActivityAt:  sum.Conversation.LastActivityAt,
			LastSeq:         sum.Conversation.LastSeq,
			LastRead:        sum.LastRead,
			UnreadCount:     sum.UnreadCount,
		})
	}
	s.sendJSON(w, http.StatusOK, response)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PeerID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	conv, err := s.directory.GetOrCreateConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(conv, userID))
}

// handleConversationRoutes dispatches /api/conversations/{id}/... paths.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	userID := s.authenticate(w, r)
	if userID == "" {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	conversationID := parts[0]

	switch parts[1] {
	case "messages":
		s.handleMessages(w, r, conversationID, userID)
	case "viewing":
		s.handleViewing(w, r, conversationID, userID)
	case "typing":
		s.handleTyping(w, r, conversationID, userID)
	case "stream":
		s.handleStream(w, r, conversationID, userID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r, conversationID, userID)
	case http.MethodPost:
		s.appendMessage(w, r, conversationID, userID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	var afterSeq int64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
			return
		}
		afterSeq = parsed
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	msgs, err := s.log.ListMessages(r.Context(), conversationID, userID, afterSeq, limit)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	response := ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       make([]*dispatch.Message, 0, len(msgs)),
	}
	for _, msg := range msgs {
		response.Messages = append(response.Messages, dispatch.Snapshot(msg))
	}
	s.sendJSON(w, http.StatusOK, response)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.log.Append(r.Context(), conversationID, userID, req.Content, req.CorrelationID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, dispatch.Snapshot(msg))
}

func (s *Server) handleViewing(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.directory.Authorize(r.Context(), conversationID, userID); err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.receipts.NotifyViewing(userID, conversationID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	if _, err := s.directory.Authorize(r.Context(), conversationID, userID); err != nil {
		s.sendServiceError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.sendJSON(w, http.StatusOK, TypingResponse{
			Users: s.presence.ListTyping(conversationID, userID),
		})
	case http.MethodPost:
		var req TypingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Active {
			s.presence.StartTyping(conversationID, userID)
		} else {
			s.presence.StopTyping(conversationID, userID)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleMessageRoutes dispatches PATCH and DELETE /api/messages/{id}.
func (s *Server) handleMessageRoutes(w http.ResponseWriter, r *http.Request) {
	userID := s.authenticate(w, r)
	if userID == "" {
		return
	}

	messageID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	if messageID == "" || strings.Contains(messageID, "/") {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req EditMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.log.Edit(r.Context(), messageID, userID, req.Content)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, dispatch.Snapshot(msg))
	case http.MethodDelete:
		msg, err := s.log.SoftDelete(r.Context(), messageID, userID)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, dispatch.Snapshot(msg))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
