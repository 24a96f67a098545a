package ws_channel

import (
	"context"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/direct_channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/memory_channel"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "ws-channel-test-secret"

var (
	alice = identity.User{ID: "alice", Name: "Alice"}
	bob   = identity.User{ID: "bob", Name: "Bob"}
	carol = identity.User{ID: "carol", FullName: "Carol Danvers"}
)

type testServer struct {
	hub    *memory_channel.Hub
	url    string
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	hub := memory_channel.NewHub()
	for _, u := range []identity.User{alice, bob, carol} {
		hub.AddUser(u)
	}
	server := NewServer(func(user identity.User) channel.Provider {
		return hub.Connect(user)
	}, hub, testSecret, zerolog.Nop())
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return &testServer{hub: hub, url: ts.URL, server: ts}
}

func (s *testServer) provider(t *testing.T, user identity.User) *Provider {
	token, err := identity.IssueSessionToken(user, testSecret, time.Hour)
	require.NoError(t, err)
	return NewProvider(s.url, token, zerolog.Nop())
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)
	ctx := context.Background()

	_, err := NewProvider(server.url, "", zerolog.Nop()).QueryChannels(ctx, channel.Filter{})
	assert.ErrorIs(t, err, utils.APIError{Status: 401, Code: "NOT_AUTHENTICATED"})

	forged, err := identity.IssueSessionToken(alice, "another-secret", time.Hour)
	require.NoError(t, err)
	_, err = NewProvider(server.url, forged, zerolog.Nop()).QueryUsers(ctx, identity.UserFilter{})
	assert.ErrorIs(t, err, utils.APIError{Status: 401, Code: "NOT_AUTHENTICATED"})

	_, err = server.provider(t, alice).QueryChannels(ctx, channel.Filter{})
	assert.NoError(t, err)
}

func TestUsers(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)
	p := server.provider(t, alice)
	ctx := context.Background()

	users, err := p.QueryUsers(ctx, identity.UserFilter{ExcludeID: alice.ID})
	require.NoError(t, err)
	assert.Equal(t, []identity.User{bob, carol}, users)

	users, err = p.QueryUsers(ctx, identity.UserFilter{Search: "CAR"})
	require.NoError(t, err)
	assert.Equal(t, []identity.User{carol}, users)

	users, err = p.QueryUsers(ctx, identity.UserFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []identity.User{alice}, users)
}

func TestChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create, query and watch", func(t *testing.T) {
		server := newTestServer(t)
		a := server.provider(t, alice)
		b := server.provider(t, bob)

		ch := a.Channel(channel.KindDirect, []string{"bob", "alice"}, channel.Metadata{Name: "Private: alice & bob"})
		assert.Equal(t, "", ch.ID())
		require.NoError(t, ch.Create(ctx))
		require.NotEmpty(t, ch.ID())

		found, err := b.QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect, Members: []string{"alice", "bob"}})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, ch.ID(), found[0].ID())
		assert.Equal(t, "Private: alice & bob", found[0].Name())
		assert.Equal(t, []string{"alice", "bob"}, found[0].Members())

		require.NoError(t, found[0].Watch(ctx))
		local, err := server.hub.Connect(bob).QueryChannels(ctx, channel.Filter{})
		require.NoError(t, err)
		require.Len(t, local, 1)
		assert.Equal(t, []string{"bob"}, local[0].(*memory_channel.Channel).Watchers())

		none, err := server.provider(t, carol).QueryChannels(ctx, channel.Filter{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
	t.Run("second creation reports the existing channel", func(t *testing.T) {
		server := newTestServer(t)
		first := server.provider(t, alice).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		require.NoError(t, first.Create(ctx))

		second := server.provider(t, bob).Channel(channel.KindDirect, []string{"bob", "alice"}, channel.Metadata{})
		err := second.Create(ctx)
		assert.ErrorIs(t, err, channel.ErrorChannelExists)
		assert.ErrorContains(t, err, first.ID())
		assert.Equal(t, "", second.ID())
	})
	t.Run("non-members are rejected", func(t *testing.T) {
		server := newTestServer(t)
		err := server.provider(t, carol).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{}).Create(ctx)
		assert.ErrorIs(t, err, utils.APIError{Status: 403, Code: ErrorNotMember.Code})

		ch := server.provider(t, alice).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		require.NoError(t, ch.Create(ctx))
		spy := &Channel{provider: server.provider(t, carol), id: ch.ID(), kind: channel.KindDirect}
		assert.ErrorIs(t, spy.Watch(ctx), utils.APIError{Status: 404, Code: ErrorChannelNotFound.Code})
		_, err = spy.SendMessage(ctx, &channel.Message{Text: "hi"})
		assert.ErrorIs(t, err, utils.APIError{Status: 404, Code: ErrorChannelNotFound.Code})
	})
	t.Run("not created", func(t *testing.T) {
		server := newTestServer(t)
		ch := server.provider(t, alice).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		assert.ErrorIs(t, ch.Watch(ctx), channel.ErrorChannelNotCreated)
		_, err := ch.SendMessage(ctx, &channel.Message{Text: "hi"})
		assert.ErrorIs(t, err, channel.ErrorChannelNotCreated)
		_, err = ch.On(channel.EventMessageNew, func(channel.Event) {})
		assert.ErrorIs(t, err, channel.ErrorChannelNotCreated)
	})
	t.Run("subscribing to a foreign channel is refused", func(t *testing.T) {
		server := newTestServer(t)
		ch := server.provider(t, alice).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		require.NoError(t, ch.Create(ctx))
		spy := &Channel{provider: server.provider(t, carol), id: ch.ID(), kind: channel.KindDirect}
		sub, err := spy.On(channel.EventMessageNew, func(channel.Event) {})
		assert.ErrorIs(t, err, utils.APIError{Status: 404, Code: ErrorChannelNotFound.Code})
		assert.Nil(t, sub)
	})
	t.Run("subscribing fails when the server is gone", func(t *testing.T) {
		server := newTestServer(t)
		ch := server.provider(t, alice).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		require.NoError(t, ch.Create(ctx))
		server.server.Close()
		sub, err := ch.On(channel.EventMessageNew, func(channel.Event) {})
		assert.ErrorIs(t, err, utils.APIError{Status: 0, Code: "NETWORK_ERROR"})
		assert.Nil(t, sub)
	})
	t.Run("resolver finds the same channel from both sides", func(t *testing.T) {
		server := newTestServer(t)
		fromAlice, err := direct_channel.NewResolver(server.provider(t, alice), zerolog.Nop()).Resolve(ctx, "alice", "bob")
		require.NoError(t, err)
		fromBob, err := direct_channel.NewResolver(server.provider(t, bob), zerolog.Nop()).Resolve(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, fromAlice.ID(), fromBob.ID())
		assert.Equal(t, 1, server.hub.ChannelCount())
	})
}

func TestMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := newTestServer(t)
	a := server.provider(t, alice)
	ch := a.Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
	require.NoError(t, ch.Create(ctx))
	found, err := server.provider(t, bob).QueryChannels(ctx, channel.Filter{})
	require.NoError(t, err)
	require.Len(t, found, 1)

	events := make(chan channel.Event, 10)
	sub, err := found[0].On(channel.EventMessageNew, func(event channel.Event) {
		events <- event
	})
	require.NoError(t, err)
	ignored, err := found[0].On("typing.start", func(event channel.Event) {
		t.Errorf("unexpected event %s", event.Type)
	})
	require.NoError(t, err)
	t.Cleanup(ignored.Unsubscribe)

	iv := "BBBB"
	outbound := &common_models.OutboundMessage{Text: &common_models.Envelope{IV: &iv, Content: "AAAA", IsEncrypted: true, Timestamp: 1714566600123}, Sender: "Mallory"}
	sent, err := ch.SendMessage(ctx, &channel.Message{
		ID:            "chosen-by-sender",
		Text:          channel.PlaceholderText,
		EncryptedData: outbound,
		User:          &identity.User{ID: "mallory"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, "chosen-by-sender", sent.ID)
	require.NotNil(t, sent.User)
	assert.Equal(t, "alice", sent.User.ID)

	select {
	case event := <-events:
		assert.Equal(t, channel.EventMessageNew, event.Type)
		assert.Equal(t, ch.ID(), event.ChannelID)
		require.NotNil(t, event.Message)
		assert.Equal(t, sent.ID, event.Message.ID)
		assert.Equal(t, alice.ID, event.Message.User.ID)
		assert.Equal(t, channel.PlaceholderText, event.Message.Text)
		assert.Equal(t, outbound, event.Message.EncryptedData)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, err = ch.SendMessage(ctx, &channel.Message{Text: "again"})
	require.NoError(t, err)
	select {
	case event := <-events:
		t.Fatalf("event after unsubscribe: %v", event)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, server.hub.History(ch.ID()), 2)

	_, err = ch.SendMessage(ctx, nil)
	assert.ErrorIs(t, err, ErrorNilMessage)
}
