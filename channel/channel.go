package channel

import (
	"context"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// KindDirect is the kind of two-party private channels.
	KindDirect = "direct"
	// EventMessageNew is emitted for every message published on a channel.
	EventMessageNew = "message.new"
	// MessageTypeRegular is the type of user messages.
	MessageTypeRegular = "regular"
	// PlaceholderText is the visible text of every encrypted message. It never depends on the payload.
	PlaceholderText = " An encrypted message or file has been sent.🔐"
)

var (
	// ErrorChannelExists is returned by Create when a channel of the same kind with the same members already exists
	ErrorChannelExists = utils.NewVeilError("CHANNEL_EXISTS", "a channel with these members already exists")
	// ErrorChannelNotCreated is returned when using a channel that has not been created yet
	ErrorChannelNotCreated = utils.NewVeilError("CHANNEL_NOT_CREATED", "channel has not been created")
	// ErrorChannelClosed is returned when using a provider after it has been closed
	ErrorChannelClosed = utils.NewVeilError("CHANNEL_CLOSED", "channel provider is closed")
)

// Metadata is given when describing a new channel.
type Metadata struct {
	Name string
}

// Filter selects channels in QueryChannels.
type Filter struct {
	Kind string
	// Members keeps channels which contain all of these users. The provider may return channels with additional members.
	Members []string
}

// Message is a message as carried by the provider.
type Message struct {
	ID            string                         `json:"id,omitempty"`
	Text          string                         `json:"text"`
	Type          string                         `json:"type"`
	EncryptedData *common_models.OutboundMessage `json:"encryptedData,omitempty"`
	// User is the provider-authenticated author. Set by the provider, never by the sender.
	User      *identity.User `json:"user,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// Event is a notification emitted by a channel.
type Event struct {
	Type      string
	ChannelID string
	Message   *Message
}

// Handler receives channel events.
type Handler func(event Event)

// Subscription is returned by Channel.On. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Channel is a handle on one channel of the provider.
type Channel interface {
	// ID is empty until the channel has been created or found.
	ID() string
	Kind() string
	Name() string
	Members() []string
	// Create registers the channel. It fails with ErrorChannelExists when a channel of the same kind and members already exists.
	Create(ctx context.Context) error
	// Watch starts receiving the channel's events.
	Watch(ctx context.Context) error
	// SendMessage publishes message and returns it as stored by the provider.
	SendMessage(ctx context.Context, message *Message) (*Message, error)
	// On registers handler for events of type event. It fails when the subscription cannot be set up.
	On(event string, handler Handler) (Subscription, error)
}

// Provider is the pub/sub service as seen by the current user.
type Provider interface {
	QueryChannels(ctx context.Context, filter Filter) ([]Channel, error)
	// Channel returns a handle for a channel which is not created yet.
	Channel(kind string, members []string, metadata Metadata) Channel
}

// SortedMembers returns a sorted copy of members, without duplicates.
func SortedMembers(members []string) []string {
	set := utils.Set[string]{}
	res := make([]string, 0, len(members))
	for _, m := range members {
		if !set.Has(m) {
			set.Add(m)
			res = append(res, m)
		}
	}
	sort.Strings(res)
	return res
}

// MembersKey identifies a member set, whatever the order of members.
func MembersKey(kind string, members []string) string {
	return kind + ":" + strings.Join(SortedMembers(members), ",")
}

// SubscriptionFunc adapts a function to Subscription. It only runs the function once.
type SubscriptionFunc struct {
	once   sync.Once
	cancel func()
}

// NewSubscription returns a Subscription calling cancel on its first Unsubscribe.
func NewSubscription(cancel func()) *SubscriptionFunc {
	return &SubscriptionFunc{cancel: cancel}
}

func (s *SubscriptionFunc) Unsubscribe() {
	s.once.Do(s.cancel)
}
