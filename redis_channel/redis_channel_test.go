package redis_channel

import (
	"context"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/direct_channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"sync"
	"testing"
	"time"
)

var (
	alice = identity.User{ID: "alice", Name: "Alice"}
	bob   = identity.User{ID: "bob", Name: "Bob"}
	carol = identity.User{ID: "carol"}
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create, query, watch", func(t *testing.T) {
		server, client := newClient(t)
		aliceProvider := NewProvider(client, alice, zerolog.Nop())
		bobProvider := NewProvider(client, bob, zerolog.Nop())
		var _ channel.Provider = aliceProvider

		ch := aliceProvider.Channel(channel.KindDirect, []string{"bob", "alice"}, channel.Metadata{Name: "Private: alice & bob"})
		require.NoError(t, ch.Create(ctx))
		assert.NotEmpty(t, ch.ID())
		require.NoError(t, ch.Watch(ctx))

		assert.Equal(t, "direct", server.HGet(channelKey(ch.ID()), "kind"))
		assert.Equal(t, "alice,bob", server.HGet(channelKey(ch.ID()), "members"))
		isMember, err := server.SIsMember(userChannelsKey("bob"), ch.ID())
		require.NoError(t, err)
		assert.True(t, isMember)

		found, err := bobProvider.QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect, Members: []string{"alice", "bob"}})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, ch.ID(), found[0].ID())
		assert.Equal(t, "Private: alice & bob", found[0].Name())
		assert.Equal(t, []string{"alice", "bob"}, found[0].Members())
		require.NoError(t, found[0].Watch(ctx))

		watchers, err := ch.(*Channel).Watchers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, watchers)

		found, err = NewProvider(client, carol, zerolog.Nop()).QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect})
		require.NoError(t, err)
		assert.Empty(t, found)

		found, err = aliceProvider.QueryChannels(ctx, channel.Filter{Kind: "team"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("member sets are claimed once", func(t *testing.T) {
		_, client := newClient(t)
		aliceProvider := NewProvider(client, alice, zerolog.Nop())
		bobProvider := NewProvider(client, bob, zerolog.Nop())
		first := aliceProvider.Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		require.NoError(t, first.Create(ctx))
		second := bobProvider.Channel(channel.KindDirect, []string{"bob", "alice"}, channel.Metadata{})
		err := second.Create(ctx)
		assert.ErrorIs(t, err, channel.ErrorChannelExists)
		assert.Contains(t, err.Error(), first.ID())
		assert.Equal(t, "", second.ID())
	})

	t.Run("concurrent creations", func(t *testing.T) {
		_, client := newClient(t)
		var wg sync.WaitGroup
		var lock sync.Mutex
		created := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := NewProvider(client, alice, zerolog.Nop()).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{}).Create(ctx)
				if err == nil {
					lock.Lock()
					created++
					lock.Unlock()
				} else {
					assert.ErrorIs(t, err, channel.ErrorChannelExists)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		found, err := NewProvider(client, bob, zerolog.Nop()).QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("non-members and missing channels", func(t *testing.T) {
		_, client := newClient(t)
		err := NewProvider(client, carol, zerolog.Nop()).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{}).Create(ctx)
		assert.ErrorIs(t, err, ErrorNotMember)

		ch := NewProvider(client, alice, zerolog.Nop()).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		assert.ErrorIs(t, ch.Watch(ctx), channel.ErrorChannelNotCreated)
		_, err = ch.SendMessage(ctx, &channel.Message{Text: "hi"})
		assert.ErrorIs(t, err, channel.ErrorChannelNotCreated)
		_, err = ch.On(channel.EventMessageNew, func(channel.Event) {})
		assert.ErrorIs(t, err, channel.ErrorChannelNotCreated)
	})

	t.Run("stale claims are taken over", func(t *testing.T) {
		server, client := newClient(t)
		claimKey := membersClaimKey(channel.KindDirect, []string{"alice", "bob"})
		require.NoError(t, server.Set(claimKey, "vanished"))

		ch := NewProvider(client, bob, zerolog.Nop()).Channel(channel.KindDirect, []string{"bob", "alice"}, channel.Metadata{})
		require.NoError(t, ch.Create(ctx))
		claimed, err := server.Get(claimKey)
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), claimed)
		found, err := NewProvider(client, alice, zerolog.Nop()).QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, ch.ID(), found[0].ID())
	})

	t.Run("resolver creates over a stale claim", func(t *testing.T) {
		server, client := newClient(t)
		require.NoError(t, server.Set(membersClaimKey(channel.KindDirect, []string{"alice", "bob"}), "vanished"))

		ch, err := direct_channel.NewResolver(NewProvider(client, bob, zerolog.Nop()), zerolog.Nop()).Resolve(ctx, "bob", "alice")
		require.NoError(t, err)
		fromAlice, err := direct_channel.NewResolver(NewProvider(client, alice, zerolog.Nop()), zerolog.Nop()).Resolve(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), fromAlice.ID())
		watchers, err := fromAlice.(*Channel).Watchers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, watchers)
	})

	t.Run("claim and channel are written together", func(t *testing.T) {
		server, client := newClient(t)
		ch := NewProvider(client, alice, zerolog.Nop()).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{Name: "n"})
		require.NoError(t, ch.Create(ctx))
		claimed, err := server.Get(membersClaimKey(channel.KindDirect, []string{"alice", "bob"}))
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), claimed)
		assert.Equal(t, "n", server.HGet(channelKey(ch.ID()), "name"))
		for _, m := range []string{"alice", "bob"} {
			isMember, err := server.SIsMember(userChannelsKey(m), ch.ID())
			require.NoError(t, err)
			assert.True(t, isMember)
		}
	})

	t.Run("subscribing fails when redis is down", func(t *testing.T) {
		server, client := newClient(t)
		ch := NewProvider(client, alice, zerolog.Nop()).Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
		require.NoError(t, ch.Create(ctx))
		server.Close()
		sub, err := ch.On(channel.EventMessageNew, func(channel.Event) {})
		assert.Error(t, err)
		assert.Nil(t, sub)
	})

	t.Run("redis unavailable", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		defer client.Close()
		_, err := NewProvider(client, alice, zerolog.Nop()).QueryChannels(ctx, channel.Filter{})
		assert.Error(t, err)
	})
}

func TestMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, client := newClient(t)
	aliceProvider := NewProvider(client, alice, zerolog.Nop())
	bobProvider := NewProvider(client, bob, zerolog.Nop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	aliceProvider.now = func() time.Time { return fixed }

	aliceChannel := aliceProvider.Channel(channel.KindDirect, []string{"alice", "bob"}, channel.Metadata{})
	require.NoError(t, aliceChannel.Create(ctx))
	found, err := bobProvider.QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect})
	require.NoError(t, err)
	require.Len(t, found, 1)
	bobChannel := found[0]

	events := make(chan channel.Event, 10)
	sub, err := bobChannel.On(channel.EventMessageNew, func(event channel.Event) { events <- event })
	require.NoError(t, err)
	ignored, err := bobChannel.On("typing.start", func(channel.Event) { t.Error("unexpected event") })
	require.NoError(t, err)
	defer ignored.Unsubscribe()

	iv := "000102030405060708090a0b0c0d0e0f"
	sent, err := aliceChannel.SendMessage(ctx, &channel.Message{
		Text: channel.PlaceholderText,
		EncryptedData: &common_models.OutboundMessage{
			Text:   &common_models.Envelope{IV: &iv, Content: "Y2lwaGVy", IsEncrypted: true, Timestamp: 42},
			Sender: "Alice",
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, "alice", sent.User.ID)
	assert.Equal(t, fixed, sent.CreatedAt)
	assert.Equal(t, channel.MessageTypeRegular, sent.Type)

	select {
	case event := <-events:
		assert.Equal(t, channel.EventMessageNew, event.Type)
		assert.Equal(t, aliceChannel.ID(), event.ChannelID)
		assert.Equal(t, sent.ID, event.Message.ID)
		assert.Equal(t, "alice", event.Message.User.ID)
		assert.Equal(t, fixed, event.Message.CreatedAt)
		assert.Equal(t, sent.EncryptedData, event.Message.EncryptedData)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, err = aliceChannel.SendMessage(ctx, &channel.Message{Text: "plain chatter"})
	require.NoError(t, err)
	select {
	case event := <-events:
		t.Fatalf("event after unsubscribe: %v", event)
	case <-time.After(100 * time.Millisecond):
	}

	history, err := bobChannel.(*Channel).History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sent.ID, history[0].ID)
	assert.Equal(t, "plain chatter", history[1].Text)
	assert.Nil(t, history[1].EncryptedData)

	_, err = aliceChannel.SendMessage(ctx, nil)
	assert.ErrorIs(t, err, ErrorNilMessage)
}
