package memory_channel

import (
	"context"
	"github.com/google/uuid"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"sort"
	"sync"
	"time"
)

var (
	// ErrorNotMember is returned when a user acts on a channel it is not a member of
	ErrorNotMember = utils.NewVeilError("MEMORY_CHANNEL_NOT_MEMBER", "user is not a member of this channel")
	// ErrorNilMessage is returned when sending a nil message
	ErrorNilMessage = utils.NewVeilError("MEMORY_CHANNEL_NIL_MESSAGE", "message cannot be nil")
)

type subscriber struct {
	event   string
	handler channel.Handler
}

type channelState struct {
	id          string
	kind        string
	name        string
	members     []string
	messages    []*channel.Message
	watchers    utils.Set[string]
	subscribers map[int]subscriber
}

// Hub holds the state of an in-process channel service, shared by every connected user.
// It also serves as the user directory of the connected users.
type Hub struct {
	lock      sync.Mutex
	channels  map[string]*channelState
	byMembers map[string]string
	users     map[string]identity.User
	nextSubID int
	now       func() time.Time
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		channels:  make(map[string]*channelState),
		byMembers: make(map[string]string),
		users:     make(map[string]identity.User),
		now:       time.Now,
	}
}

// AddUser registers user in the directory.
func (h *Hub) AddUser(user identity.User) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.users[user.ID] = user
}

// Connect registers user and returns the provider through which it sees the hub.
func (h *Hub) Connect(user identity.User) *Provider {
	h.AddUser(user)
	return &Provider{hub: h, user: user}
}

func (h *Hub) QueryUsers(ctx context.Context, filter identity.UserFilter) ([]identity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	h.lock.Lock()
	users := make([]identity.User, 0, len(h.users))
	for _, u := range h.users {
		users = append(users, u)
	}
	h.lock.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return filter.Apply(users), nil
}

// ChannelCount returns the number of created channels.
func (h *Hub) ChannelCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.channels)
}

// History returns the messages stored for a channel, in publication order.
func (h *Hub) History(channelID string) []channel.Message {
	h.lock.Lock()
	defer h.lock.Unlock()
	state := h.channels[channelID]
	if state == nil {
		return nil
	}
	res := make([]channel.Message, len(state.messages))
	for i, m := range state.messages {
		res[i] = *m
	}
	return res
}

// Provider is a Hub as seen by one user.
type Provider struct {
	hub  *Hub
	user identity.User
}

func (p *Provider) QueryChannels(ctx context.Context, filter channel.Filter) ([]channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	p.hub.lock.Lock()
	defer p.hub.lock.Unlock()
	var res []channel.Channel
	for _, state := range p.hub.channels {
		if filter.Kind != "" && state.kind != filter.Kind {
			continue
		}
		if !utils.SliceIncludes(state.members, p.user.ID) {
			continue
		}
		matches := true
		for _, m := range filter.Members {
			if !utils.SliceIncludes(state.members, m) {
				matches = false
				break
			}
		}
		if matches {
			res = append(res, &Channel{provider: p, id: state.id, kind: state.kind, name: state.name, members: state.members})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })
	return res, nil
}

func (p *Provider) Channel(kind string, members []string, metadata channel.Metadata) channel.Channel {
	return &Channel{provider: p, kind: kind, name: metadata.Name, members: channel.SortedMembers(members)}
}

// Channel is a handle on a channel of a Hub.
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

func (c *Channel) Create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return tracerr.Wrap(err)
	}
	if !utils.SliceIncludes(c.members, c.provider.user.ID) {
		return tracerr.Wrap(ErrorNotMember)
	}
	hub := c.provider.hub
	hub.lock.Lock()
	defer hub.lock.Unlock()
	key := channel.MembersKey(c.kind, c.members)
	if existing, ok := hub.byMembers[key]; ok {
		return tracerr.Wrap(channel.ErrorChannelExists.AddDetails(existing))
	}
	id := uuid.NewString()
	hub.channels[id] = &channelState{
		id:          id,
		kind:        c.kind,
		name:        c.name,
		members:     c.members,
		watchers:    utils.Set[string]{},
		subscribers: make(map[int]subscriber),
	}
	hub.byMembers[key] = id
	c.lock.Lock()
	c.id = id
	c.lock.Unlock()
	return nil
}

// state must be called with the hub lock held.
func (c *Channel) state() (*channelState, error) {
	id := c.ID()
	if id == "" {
		return nil, tracerr.Wrap(channel.ErrorChannelNotCreated)
	}
	state := c.provider.hub.channels[id]
	if state == nil {
		return nil, tracerr.Wrap(channel.ErrorChannelNotCreated.AddDetails(id))
	}
	return state, nil
}

func (c *Channel) Watch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return tracerr.Wrap(err)
	}
	hub := c.provider.hub
	hub.lock.Lock()
	defer hub.lock.Unlock()
	state, err := c.state()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if !utils.SliceIncludes(state.members, c.provider.user.ID) {
		return tracerr.Wrap(ErrorNotMember)
	}
	state.watchers.Add(c.provider.user.ID)
	return nil
}

// Watchers returns the ids of the users watching the channel.
func (c *Channel) Watchers() []string {
	hub := c.provider.hub
	hub.lock.Lock()
	defer hub.lock.Unlock()
	state, err := c.state()
	if err != nil {
		return nil
	}
	res := make([]string, 0, len(state.watchers))
	for w := range state.watchers {
		res = append(res, w)
	}
	sort.Strings(res)
	return res
}

// SendMessage stores message and delivers it synchronously to every subscriber, the sender included.
func (c *Channel) SendMessage(ctx context.Context, message *channel.Message) (*channel.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if message == nil {
		return nil, tracerr.Wrap(ErrorNilMessage)
	}
	hub := c.provider.hub
	hub.lock.Lock()
	state, err := c.state()
	if err != nil {
		hub.lock.Unlock()
		return nil, tracerr.Wrap(err)
	}
	if !utils.SliceIncludes(state.members, c.provider.user.ID) {
		hub.lock.Unlock()
		return nil, tracerr.Wrap(ErrorNotMember)
	}
	stored := *message
	stored.ID = uuid.NewString()
	user := c.provider.user
	stored.User = &user
	stored.CreatedAt = hub.now()
	if stored.Type == "" {
		stored.Type = channel.MessageTypeRegular
	}
	state.messages = append(state.messages, &stored)

	ids := make([]int, 0, len(state.subscribers))
	for id, sub := range state.subscribers {
		if sub.event == channel.EventMessageNew {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	handlers := make([]channel.Handler, len(ids))
	for i, id := range ids {
		handlers[i] = state.subscribers[id].handler
	}
	hub.lock.Unlock()

	for _, handler := range handlers {
		delivered := stored
		handler(channel.Event{Type: channel.EventMessageNew, ChannelID: state.id, Message: &delivered})
	}
	res := stored
	return &res, nil
}

// On subscribes handler to the channel's events. Handlers run synchronously in SendMessage.
func (c *Channel) On(event string, handler channel.Handler) (channel.Subscription, error) {
	hub := c.provider.hub
	hub.lock.Lock()
	defer hub.lock.Unlock()
	state, err := c.state()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	hub.nextSubID++
	subID := hub.nextSubID
	state.subscribers[subID] = subscriber{event: event, handler: handler}
	return channel.NewSubscription(func() {
		hub.lock.Lock()
		defer hub.lock.Unlock()
		delete(state.subscribers, subID)
	}), nil
}

// SubscriberCount returns the number of live subscriptions on the channel.
func (c *Channel) SubscriberCount() int {
	hub := c.provider.hub
	hub.lock.Lock()
	defer hub.lock.Unlock()
	state, err := c.state()
	if err != nil {
		return 0
	}
	return len(state.subscribers)
}
