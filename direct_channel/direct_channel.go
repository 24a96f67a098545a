package direct_channel

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"time"
)

const (
	existingLookupAttempts = 5
	existingLookupDelay    = 50 * time.Millisecond
)

var (
	// ErrorInvalidMembers is returned when the pair of users cannot form a direct channel
	ErrorInvalidMembers = utils.NewVeilError("DIRECT_CHANNEL_INVALID_MEMBERS", "a direct channel needs two distinct non-empty user ids")
	// ErrorQueryFailed is returned when the provider could not be queried
	ErrorQueryFailed = utils.NewVeilError("DIRECT_CHANNEL_QUERY_FAILED", "could not query channels")
	// ErrorCreateFailed is returned when the provider could not create the channel
	ErrorCreateFailed = utils.NewVeilError("DIRECT_CHANNEL_CREATE_FAILED", "could not create channel")
	// ErrorWatchFailed is returned when the channel could not be watched
	ErrorWatchFailed = utils.NewVeilError("DIRECT_CHANNEL_WATCH_FAILED", "could not watch channel")
)

// Name returns the display name of the direct channel between two users. It does not depend on their order.
func Name(userA string, userB string) string {
	members := channel.SortedMembers([]string{userA, userB})
	return fmt.Sprintf("Private: %s & %s", members[0], members[1])
}

// Resolver finds or creates the direct channel between the current user and a peer.
type Resolver struct {
	provider channel.Provider
	logger   zerolog.Logger
	locks    utils.MutexGroup
}

func NewResolver(provider channel.Provider, logger zerolog.Logger) *Resolver {
	return &Resolver{provider: provider, logger: logger}
}

func (r *Resolver) find(ctx context.Context, members []string) (channel.Channel, error) {
	channels, err := r.provider.QueryChannels(ctx, channel.Filter{Kind: channel.KindDirect, Members: members})
	if err != nil {
		r.logger.Error().Err(err).Msg("Error querying direct channels")
		return nil, tracerr.Wrap(ErrorQueryFailed.AddDetails(err.Error()))
	}
	for _, ch := range channels {
		if utils.SliceSameMembers(channel.SortedMembers(ch.Members()), members) {
			return ch, nil
		}
	}
	return nil, nil
}

// findExisting looks up a channel that Create reported as existing. The creator may not have
// finished indexing it yet, so the lookup is retried a bounded number of times.
func (r *Resolver) findExisting(ctx context.Context, members []string) (channel.Channel, error) {
	for attempt := 1; ; attempt++ {
		ch, err := r.find(ctx, members)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if ch != nil || attempt == existingLookupAttempts {
			return ch, nil
		}
		select {
		case <-ctx.Done():
			return nil, tracerr.Wrap(ctx.Err())
		case <-time.After(existingLookupDelay):
		}
	}
}

// Resolve returns the unique direct channel of selfID and peerID, creating and watching it if needed.
// Concurrent resolutions of the same pair return the same channel.
func (r *Resolver) Resolve(ctx context.Context, selfID string, peerID string) (channel.Channel, error) {
	if selfID == "" || peerID == "" || selfID == peerID {
		return nil, tracerr.Wrap(ErrorInvalidMembers.AddDetails(fmt.Sprintf("%q & %q", selfID, peerID)))
	}
	members := channel.SortedMembers([]string{selfID, peerID})
	pairKey := channel.MembersKey(channel.KindDirect, members)
	r.locks.Lock(pairKey)
	defer r.locks.Unlock(pairKey)

	ch, err := r.find(ctx, members)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if ch != nil {
		r.logger.Debug().Str("channelID", ch.ID()).Msg("Reusing direct channel")
		return r.watch(ctx, ch)
	}

	ch = r.provider.Channel(channel.KindDirect, members, channel.Metadata{Name: Name(selfID, peerID)})
	err = ch.Create(ctx)
	if errors.Is(err, channel.ErrorChannelExists) {
		// Another client created it in the meantime.
		r.logger.Debug().Msg("Direct channel created concurrently, reusing it")
		ch, err = r.findExisting(ctx, members)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if ch == nil {
			return nil, tracerr.Wrap(ErrorCreateFailed.AddDetails("channel reported as existing but not found"))
		}
	} else if err != nil {
		r.logger.Error().Err(err).Msg("Error creating direct channel")
		return nil, tracerr.Wrap(ErrorCreateFailed.AddDetails(err.Error()))
	} else {
		r.logger.Debug().Str("channelID", ch.ID()).Msg("Direct channel created")
	}

	return r.watch(ctx, ch)
}

func (r *Resolver) watch(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	if err := ch.Watch(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Error watching direct channel")
		return nil, tracerr.Wrap(ErrorWatchFailed.AddDetails(err.Error()))
	}
	return ch, nil
}
