package ws_channel

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/api_helper"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	eventBufferSize = 64
	writeTimeout    = 5 * time.Second
	// maxBodySize leaves room for a 5 MiB attachment once base64-encoded and encrypted.
	maxBodySize = 16 << 20
)

// ProviderFactory returns the channel backend as seen by user.
type ProviderFactory func(user identity.User) channel.Provider

// channelInfo is the wire description of a channel.
type channelInfo struct {
	ID      string   `json:"id,omitempty"`
	Kind    string   `json:"kind"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

// wireEvent is a websocket frame.
type wireEvent struct {
	Type      string           `json:"type"`
	ChannelID string           `json:"channel_id"`
	Message   *channel.Message `json:"message,omitempty"`
}

func infoOf(ch channel.Channel) channelInfo {
	return channelInfo{ID: ch.ID(), Kind: ch.Kind(), Name: ch.Name(), Members: ch.Members()}
}

type sessionKey struct{}

// Server exposes a channel backend over HTTP and websockets. Requests are authenticated
// with a session token in the Authorization header.
type Server struct {
	providerFor   ProviderFactory
	directory     identity.Directory
	sessionSecret string
	logger        zerolog.Logger
	router        *mux.Router
	upgrader      websocket.Upgrader
}

func NewServer(providerFor ProviderFactory, directory identity.Directory, sessionSecret string, logger zerolog.Logger) *Server {
	s := &Server{
		providerFor:   providerFor,
		directory:     directory,
		sessionSecret: sessionSecret,
		logger:        logger,
		router:        mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router.Use(s.authenticate)
	s.router.HandleFunc("/users", s.handleQueryUsers).Methods(http.MethodGet)
	s.router.HandleFunc("/channels", s.handleQueryChannels).Methods(http.MethodGet)
	s.router.HandleFunc("/channels", s.handleCreateChannel).Methods(http.MethodPost)
	s.router.HandleFunc("/channels/{id}/watch", s.handleWatch).Methods(http.MethodPost)
	s.router.HandleFunc("/channels/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/channels/{id}/events", s.handleEvents).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || token == "" {
			api_helper.WriteError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "missing session token")
			return
		}
		session, err := identity.ParseSessionToken(token, s.sessionSecret)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Rejected session token")
			api_helper.WriteError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "invalid session token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionOf(r *http.Request) *identity.Session {
	return r.Context().Value(sessionKey{}).(*identity.Session)
}

func (s *Server) provider(r *http.Request) channel.Provider {
	return s.providerFor(*sessionOf(r).User)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	detail := ""
	var veilErr utils.VeilError
	switch {
	case errors.Is(err, channel.ErrorChannelExists):
		status = http.StatusConflict
	case errors.Is(err, channel.ErrorChannelNotCreated), errors.Is(err, ErrorChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrorNotMember):
		status = http.StatusForbidden
	case errors.Is(err, ErrorBadRequest):
		status = http.StatusBadRequest
	}
	if errors.As(err, &veilErr) {
		code = veilErr.Code
		detail = veilErr.Details
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	api_helper.WriteError(w, status, code, detail)
}

func (s *Server) handleQueryUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := identity.UserFilter{ExcludeID: query.Get("exclude"), Search: query.Get("search")}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, r, ErrorBadRequest.AddDetails("invalid limit"))
			return
		}
		filter.Limit = n
	}
	users, err := s.directory.QueryUsers(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api_helper.WriteJSON(w, http.StatusOK, users)
}

func (s *Server) handleQueryChannels(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	channels, err := s.provider(r).QueryChannels(r.Context(), channel.Filter{Kind: query.Get("kind"), Members: query["member"]})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res := make([]channelInfo, len(channels))
	for i, ch := range channels {
		res[i] = infoOf(ch)
	}
	api_helper.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var info channelInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&info); err != nil {
		s.writeError(w, r, ErrorBadRequest.AddDetails(err.Error()))
		return
	}
	if info.Kind == "" || len(info.Members) == 0 {
		s.writeError(w, r, ErrorBadRequest.AddDetails("kind and members are required"))
		return
	}
	if !utils.SliceIncludes(info.Members, sessionOf(r).UserID) {
		s.writeError(w, r, ErrorNotMember)
		return
	}
	ch := s.provider(r).Channel(info.Kind, info.Members, channel.Metadata{Name: info.Name})
	if err := ch.Create(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug().Str("channelID", ch.ID()).Str("user", sessionOf(r).UserID).Msg("Channel created")
	api_helper.WriteJSON(w, http.StatusCreated, infoOf(ch))
}

// lookup finds a channel the requesting user is a member of.
func (s *Server) lookup(r *http.Request) (channel.Channel, error) {
	id := mux.Vars(r)["id"]
	channels, err := s.provider(r).QueryChannels(r.Context(), channel.Filter{Members: []string{sessionOf(r).UserID}})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	for _, ch := range channels {
		if ch.ID() == id {
			return ch, nil
		}
	}
	return nil, tracerr.Wrap(ErrorChannelNotFound.AddDetails(id))
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	ch, err := s.lookup(r)
	if err == nil {
		err = ch.Watch(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ch, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var message channel.Message
	if err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&message); err != nil {
		s.writeError(w, r, ErrorBadRequest.AddDetails(err.Error()))
		return
	}
	// the author is whoever holds the session
	message.User = nil
	message.ID = ""
	stored, err := ch.SendMessage(r.Context(), &message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api_helper.WriteJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger := s.logger.With().Str("channelID", ch.ID()).Str("user", sessionOf(r).UserID).Logger()

	// subscribe before answering the handshake so that no event is lost once the client is connected
	events := make(chan wireEvent, eventBufferSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub, err := ch.On(channel.EventMessageNew, func(event channel.Event) {
		select {
		case events <- wireEvent{Type: event.Type, ChannelID: event.ChannelID, Message: event.Message}:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	logger.Debug().Msg("Websocket connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err = conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		case <-overflow:
			logger.Warn().Msg("Websocket client too slow, disconnecting")
			return
		case <-closed:
			logger.Debug().Msg("Websocket closed")
			return
		}
	}
}
