package redis_channel

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	keyPrefix        = "veilchat:"
	subscribeTimeout = 5 * time.Second
)

var (
	// ErrorNotMember is returned when a user acts on a channel it is not a member of
	ErrorNotMember = utils.NewVeilError("REDIS_CHANNEL_NOT_MEMBER", "user is not a member of this channel")
	// ErrorNilMessage is returned when sending a nil message
	ErrorNilMessage = utils.NewVeilError("REDIS_CHANNEL_NIL_MESSAGE", "message cannot be nil")
	// ErrorCorruptedChannel is returned when the stored metadata of a channel cannot be read
	ErrorCorruptedChannel = utils.NewVeilError("REDIS_CHANNEL_CORRUPTED", "stored channel is corrupted")
)

func channelKey(id string) string {
	return keyPrefix + "channel:" + id
}

func watchersKey(id string) string {
	return keyPrefix + "channel:" + id + ":watchers"
}

func messagesKey(id string) string {
	return keyPrefix + "channel:" + id + ":messages"
}

func eventsTopic(id string) string {
	return keyPrefix + "events:" + id
}

func userChannelsKey(userID string) string {
	return keyPrefix + "user-channels:" + userID
}

func membersClaimKey(kind string, members []string) string {
	return keyPrefix + "channel-members:" + channel.MembersKey(kind, members)
}

// published is what goes through the pub/sub topic of a channel.
type published struct {
	Type    string           `json:"type"`
	Message *channel.Message `json:"message"`
}

// Provider is a channel provider storing channels and messages in redis, for one user.
type Provider struct {
	client redis.UniversalClient
	user   identity.User
	logger zerolog.Logger
	now    func() time.Time
}

func NewProvider(client redis.UniversalClient, user identity.User, logger zerolog.Logger) *Provider {
	return &Provider{client: client, user: user, logger: logger, now: time.Now}
}

func (p *Provider) load(ctx context.Context, id string) (*Channel, error) {
	fields, err := p.client.HGetAll(ctx, channelKey(id)).Result()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	kind, ok := fields["kind"]
	if !ok {
		return nil, tracerr.Wrap(ErrorCorruptedChannel.AddDetails(id))
	}
	var members []string
	if fields["members"] != "" {
		members = strings.Split(fields["members"], ",")
	}
	return &Channel{provider: p, id: id, kind: kind, name: fields["name"], members: members}, nil
}

func (p *Provider) QueryChannels(ctx context.Context, filter channel.Filter) ([]channel.Channel, error) {
	ids, err := p.client.SMembers(ctx, userChannelsKey(p.user.ID)).Result()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	sort.Strings(ids)
	var res []channel.Channel
	for _, id := range ids {
		ch, err := p.load(ctx, id)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if ch == nil {
			p.logger.Warn().Str("channelID", id).Msg("Indexed channel not found")
			continue
		}
		if filter.Kind != "" && ch.kind != filter.Kind {
			continue
		}
		matches := true
		for _, m := range filter.Members {
			if !utils.SliceIncludes(ch.members, m) {
				matches = false
				break
			}
		}
		if matches {
			res = append(res, ch)
		}
	}
	return res, nil
}

func (p *Provider) Channel(kind string, members []string, metadata channel.Metadata) channel.Channel {
	return &Channel{provider: p, kind: kind, name: metadata.Name, members: channel.SortedMembers(members)}
}

// Channel is a handle on a channel stored in redis.
type Channel struct {
	provider *Provider
	lock     sync.RWMutex
	id       string
	kind     string
	name     string
	members  []string
}

func (c *Channel) ID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.id
}

func (c *Channel) Kind() string {
	return c.kind
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Members() []string {
	return append([]string(nil), c.members...)
}

func (c *Channel) isMember() bool {
	return utils.SliceIncludes(c.members, c.provider.user.ID)
}

// createScript claims the member set of a kind and stores the channel in one step. A claim whose
// channel hash is gone is taken over. It returns the id of the channel owning the claim.
var createScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing and redis.call('EXISTS', ARGV[5] .. existing) == 1 then
	return existing
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'kind', ARGV[2], 'name', ARGV[3], 'members', ARGV[4])
for i = 3, #KEYS do
	redis.call('SADD', KEYS[i], ARGV[1])
end
return ARGV[1]
`)

// Create stores the channel. Two clients creating the same channel concurrently get one channel
// and one ErrorChannelExists carrying the id of the existing channel.
func (c *Channel) Create(ctx context.Context) error {
	if !c.isMember() {
		return tracerr.Wrap(ErrorNotMember)
	}
	id := uuid.NewString()
	keys := []string{membersClaimKey(c.kind, c.members), channelKey(id)}
	for _, m := range c.members {
		keys = append(keys, userChannelsKey(m))
	}
	owner, err := createScript.Run(ctx, c.provider.client, keys, id, c.kind, c.name, strings.Join(c.members, ","), keyPrefix+"channel:").Text()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if owner != id {
		return tracerr.Wrap(channel.ErrorChannelExists.AddDetails(owner))
	}
	c.lock.Lock()
	c.id = id
	c.lock.Unlock()
	c.provider.logger.Debug().Str("channelID", id).Str("kind", c.kind).Msg("Channel created")
	return nil
}

func (c *Channel) requireCreated() (string, error) {
	id := c.ID()
	if id == "" {
		return "", tracerr.Wrap(channel.ErrorChannelNotCreated)
	}
	if !c.isMember() {
		return "", tracerr.Wrap(ErrorNotMember)
	}
	return id, nil
}

func (c *Channel) Watch(ctx context.Context) error {
	id, err := c.requireCreated()
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(c.provider.client.SAdd(ctx, watchersKey(id), c.provider.user.ID).Err())
}

// Watchers returns the ids of the users watching the channel.
func (c *Channel) Watchers(ctx context.Context) ([]string, error) {
	id, err := c.requireCreated()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	watchers, err := c.provider.client.SMembers(ctx, watchersKey(id)).Result()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	sort.Strings(watchers)
	return watchers, nil
}

// SendMessage appends message to the channel history and publishes it to the subscribers.
func (c *Channel) SendMessage(ctx context.Context, message *channel.Message) (*channel.Message, error) {
	if message == nil {
		return nil, tracerr.Wrap(ErrorNilMessage)
	}
	id, err := c.requireCreated()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	stored := *message
	stored.ID = uuid.NewString()
	user := c.provider.user
	stored.User = &user
	stored.CreatedAt = c.provider.now().UTC()
	if stored.Type == "" {
		stored.Type = channel.MessageTypeRegular
	}
	serializedMessage, err := json.Marshal(&stored)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	serializedEvent, err := json.Marshal(published{Type: channel.EventMessageNew, Message: &stored})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	client := c.provider.client
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, messagesKey(id), serializedMessage)
		pipe.Publish(ctx, eventsTopic(id), serializedEvent)
		return nil
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &stored, nil
}

// History returns the stored messages of the channel, oldest first.
func (c *Channel) History(ctx context.Context) ([]channel.Message, error) {
	id, err := c.requireCreated()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	values, err := c.provider.client.LRange(ctx, messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	res := make([]channel.Message, 0, len(values))
	for _, v := range values {
		var m channel.Message
		if err = json.Unmarshal([]byte(v), &m); err != nil {
			return nil, tracerr.Wrap(err)
		}
		res = append(res, m)
	}
	return res, nil
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
		<-s.done
	})
}

// On subscribes handler to the channel's events. Handlers are called from one goroutine per subscription.
func (c *Channel) On(event string, handler channel.Handler) (channel.Subscription, error) {
	logger := c.provider.logger
	id, err := c.requireCreated()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	pubsub := c.provider.client.Subscribe(ctx, eventsTopic(id))
	if _, err = pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, tracerr.Wrap(err)
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var ev published
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn().Err(err).Str("channelID", id).Msg("Ignoring unreadable event")
				continue
			}
			if ev.Type != event {
				continue
			}
			handler(channel.Event{Type: ev.Type, ChannelID: id, Message: ev.Message})
		}
	}()
	return sub, nil
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s(%s)", c.kind, c.ID())
}
