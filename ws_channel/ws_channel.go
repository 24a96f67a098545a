package ws_channel

import (
	"context"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/api_helper"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrorNotMember is returned when a user acts on a channel it is not a member of
	ErrorNotMember = utils.NewVeilError("WS_CHANNEL_NOT_MEMBER", "user is not a member of this channel")
	// ErrorChannelNotFound is returned when a channel id is unknown to the server
	ErrorChannelNotFound = utils.NewVeilError("WS_CHANNEL_NOT_FOUND", "channel not found")
	// ErrorBadRequest is returned when the server cannot read a request
	ErrorBadRequest = utils.NewVeilError("WS_CHANNEL_BAD_REQUEST", "invalid request")
	// ErrorNilMessage is returned when sending a nil message
	ErrorNilMessage = utils.NewVeilError("WS_CHANNEL_NIL_MESSAGE", "message cannot be nil")
)

const handshakeTimeout = 5 * time.Second

// Provider is a channel.Provider talking to a Server. It also serves the server's user directory.
type Provider struct {
	api    *api_helper.ApiClient
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewProvider returns a Provider for the server at serverURL, authenticated with sessionToken.
func NewProvider(serverURL string, sessionToken string, logger zerolog.Logger) *Provider {
	return &Provider{
		api:    api_helper.NewApiClient(serverURL, sessionToken, nil, logger),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger,
	}
}

func (p *Provider) QueryUsers(ctx context.Context, filter identity.UserFilter) ([]identity.User, error) {
	query := url.Values{}
	if filter.ExcludeID != "" {
		query.Set("exclude", filter.ExcludeID)
	}
	if filter.Search != "" {
		query.Set("search", filter.Search)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var users []identity.User
	if err := p.api.DoJSON(ctx, http.MethodGet, "/users?"+query.Encode(), nil, &users, http.StatusOK); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return users, nil
}

func (p *Provider) QueryChannels(ctx context.Context, filter channel.Filter) ([]channel.Channel, error) {
	query := url.Values{}
	if filter.Kind != "" {
		query.Set("kind", filter.Kind)
	}
	for _, m := range filter.Members {
		query.Add("member", m)
	}
	var infos []channelInfo
	if err := p.api.DoJSON(ctx, http.MethodGet, "/channels?"+query.Encode(), nil, &infos, http.StatusOK); err != nil {
		return nil, tracerr.Wrap(err)
	}
	res := make([]channel.Channel, len(infos))
	for i, info := range infos {
		res[i] = &Channel{provider: p, id: info.ID, kind: info.Kind, name: info.Name, members: info.Members}
	}
	return res, nil
}

func (p *Provider) Channel(kind string, members []string, metadata channel.Metadata) channel.Channel {
	return &Channel{provider: p, kind: kind, name: metadata.Name, members: channel.SortedMembers(members)}
}

// Channel is a handle on a channel of a Server.
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

func (c *Channel) requireCreated() (string, error) {
	id := c.ID()
	if id == "" {
		return "", tracerr.Wrap(channel.ErrorChannelNotCreated)
	}
	return id, nil
}

func (c *Channel) Create(ctx context.Context) error {
	var created channelInfo
	err := c.provider.api.DoJSON(ctx, http.MethodPost, "/channels", channelInfo{Kind: c.kind, Name: c.name, Members: c.members}, &created, http.StatusCreated)
	var apiErr utils.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return tracerr.Wrap(channel.ErrorChannelExists.AddDetails(apiErr.Details))
	}
	if err != nil {
		return tracerr.Wrap(err)
	}
	c.lock.Lock()
	c.id = created.ID
	c.lock.Unlock()
	return nil
}

func (c *Channel) Watch(ctx context.Context) error {
	id, err := c.requireCreated()
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(c.provider.api.DoJSON(ctx, http.MethodPost, "/channels/"+url.PathEscape(id)+"/watch", nil, nil, http.StatusNoContent))
}

func (c *Channel) SendMessage(ctx context.Context, message *channel.Message) (*channel.Message, error) {
	if message == nil {
		return nil, tracerr.Wrap(ErrorNilMessage)
	}
	id, err := c.requireCreated()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var stored channel.Message
	if err = c.provider.api.DoJSON(ctx, http.MethodPost, "/channels/"+url.PathEscape(id)+"/messages", message, &stored, http.StatusCreated); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &stored, nil
}

type subscription struct {
	once sync.Once
	conn *websocket.Conn
	done chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.conn.Close()
		<-s.done
	})
}

// On opens a websocket on the channel's events. Events are delivered from a single goroutine, in order.
func (c *Channel) On(event string, handler channel.Handler) (channel.Subscription, error) {
	logger := c.provider.logger
	id, err := c.requireCreated()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	conn, resp, err := c.provider.dialer.DialContext(ctx, c.provider.api.WebsocketURL("/channels/"+url.PathEscape(id)+"/events"), c.provider.api.Headers())
	if err != nil {
		return nil, tracerr.Wrap(subscribeError(resp, err))
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	sub := &subscription{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for {
			var ev wireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					logger.Debug().Err(err).Str("channelID", id).Msg("Websocket closed")
				}
				return
			}
			if ev.Type != event {
				continue
			}
			handler(channel.Event{Type: ev.Type, ChannelID: id, Message: ev.Message})
		}
	}()
	return sub, nil
}

// subscribeError turns a failed websocket dial into an APIError. resp is only set when the server answered the handshake.
func subscribeError(resp *http.Response, err error) error {
	if resp == nil || resp.Body == nil {
		return utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: http.MethodGet}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var requestURL string
	if resp.Request != nil {
		requestURL = resp.Request.URL.String()
	}
	return api_helper.ResponseError(http.MethodGet, requestURL, resp.StatusCode, body)
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s(%s)", c.kind, c.ID())
}
