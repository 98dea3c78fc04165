// ABOUTME: Websocket stream tests over a live httptest server
// ABOUTME: Verifies event delivery, authorization, and lifecycle events

package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/dispatch"
)

func dialStream(t *testing.T, env *testEnv, conversationID, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/conversations/" + conversationID + "/stream"
	header := http.Header{}
	header.Set(UserHeader, userID)

	before := env.dispatcher.SubscriberCount(conversationID)

	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	// The handler subscribes after the upgrade completes; wait for the
	// registration so a publish right after dialing cannot slip past it.
	require.Eventually(t, func() bool {
		return env.dispatcher.SubscriberCount(conversationID) > before
	}, 2*time.Second, 5*time.Millisecond)

	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) *dispatch.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event dispatch.Event
	require.NoError(t, ws.ReadJSON(&event))
	return &event
}

func TestStream_DeliversAppendedMessages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conv := env.createConversation(t, "alice", "bob")

	ws := dialStream(t, env, conv.ID, "bob")

	sent := env.appendMessage(t, conv.ID, "alice", "hello over the wire")

	event := readEvent(t, ws)
	assert.Equal(t, dispatch.KindMessageAppended, event.Kind)
	assert.Equal(t, conv.ID, event.ConversationID)
	require.NotNil(t, event.Message)
	assert.Equal(t, sent.ID, event.Message.ID)
	assert.Equal(t, "hello over the wire", event.Message.Content)
	assert.Equal(t, int64(1), event.Message.Seq)
}

func TestStream_DeliversEditAndDelete(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conv := env.createConversation(t, "alice", "bob")
	msg := env.appendMessage(t, conv.ID, "alice", "v1")

	ws := dialStream(t, env, conv.ID, "bob")

	resp := env.request(t, http.MethodPatch, "/api/messages/"+msg.ID, "alice",
		EditMessageRequest{Content: "v2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event := readEvent(t, ws)
	assert.Equal(t, dispatch.KindMessageEdited, event.Kind)
	assert.Equal(t, "v2", event.Message.Content)

	resp = env.request(t, http.MethodDelete, "/api/messages/"+msg.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event = readEvent(t, ws)
	assert.Equal(t, dispatch.KindMessageDeleted, event.Kind)
	assert.True(t, event.Message.Deleted)
	assert.Empty(t, event.Message.Content)
}

func TestStream_DeliversTypingEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conv := env.createConversation(t, "alice", "bob")

	ws := dialStream(t, env, conv.ID, "bob")

	resp := env.request(t, http.MethodPost, "/api/conversations/"+conv.ID+"/typing", "alice",
		TypingRequest{Active: true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	event := readEvent(t, ws)
	assert.Equal(t, dispatch.KindTypingChanged, event.Kind)
	require.NotNil(t, event.Typing)
	assert.Equal(t, "alice", event.Typing.UserID)
	assert.True(t, event.Typing.Active)
}

func TestStream_EchoesCorrelationID(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conv := env.createConversation(t, "alice", "bob")

	ws := dialStream(t, env, conv.ID, "alice")

	resp := env.request(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice",
		AppendMessageRequest{Content: "tracked", CorrelationID: "client-42"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := readEvent(t, ws)
	assert.Equal(t, "client-42", event.CorrelationID)
}

func TestStream_RejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conv := env.createConversation(t, "alice", "bob")

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/conversations/" + conv.ID + "/stream"
	header := http.Header{}
	header.Set(UserHeader, "carol")

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStream_BothParticipantsReceiveEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conv := env.createConversation(t, "alice", "bob")

	wsAlice := dialStream(t, env, conv.ID, "alice")
	wsBob := dialStream(t, env, conv.ID, "bob")

	env.appendMessage(t, conv.ID, "alice", "fan out")

	for _, ws := range []*websocket.Conn{wsAlice, wsBob} {
		event := readEvent(t, ws)
		assert.Equal(t, dispatch.KindMessageAppended, event.Kind)
		assert.Equal(t, "fan out", event.Message.Content)
	}
}
