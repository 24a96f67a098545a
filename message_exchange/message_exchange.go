package message_exchange

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/crypto_engine"
	"github.com/veilchat/go-veilchat-sdk/file_codec"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TimestampLayout is the ISO 8601 layout of Record.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrorNoPeerSelected is returned when sending without a selected peer
	ErrorNoPeerSelected = utils.NewVeilError("MESSAGE_EXCHANGE_NO_PEER_SELECTED", "please select a user first to send the message")
	// ErrorEmptyMessage is returned when sending neither text nor file
	ErrorEmptyMessage = utils.NewVeilError("MESSAGE_EXCHANGE_EMPTY_MESSAGE", "message has no text and no file")
	// ErrorNoActiveChannel is returned when sending without an active channel
	ErrorNoActiveChannel = utils.NewVeilError("MESSAGE_EXCHANGE_NO_ACTIVE_CHANNEL", "no active chat channel")
	// ErrorEncryptFailed is returned when the message could not be encrypted. Nothing is published.
	ErrorEncryptFailed = utils.NewVeilError("MESSAGE_EXCHANGE_ENCRYPT_FAILED", "could not encrypt message")
	// ErrorPublishFailed is returned when the channel refused the message
	ErrorPublishFailed = utils.NewVeilError("MESSAGE_EXCHANGE_PUBLISH_FAILED", "failed to send message")
	// ErrorSubscribeFailed is returned when the new channel's messages cannot be subscribed to. The previous channel stays active.
	ErrorSubscribeFailed = utils.NewVeilError("MESSAGE_EXCHANGE_SUBSCRIBE_FAILED", "could not subscribe to channel")
	// ErrorClosed is returned when using an Exchange after Close
	ErrorClosed = utils.NewVeilError("MESSAGE_EXCHANGE_CLOSED", "message exchange is closed")
	// ErrorNoAttachment is returned by DecryptAttachment for a record without file
	ErrorNoAttachment = utils.NewVeilError("MESSAGE_EXCHANGE_NO_ATTACHMENT", "message has no attachment")
)

// SendInput is what the user wants to send. At least one of Text and File must be set.
type SendInput struct {
	Text string
	File *file_codec.File
}

// FileRecord is the attachment of a Record.
type FileRecord struct {
	// Info is the clear metadata of the attachment. Nil if it could not be decrypted.
	Info *common_models.FileInfo
	// Encrypted is the envelope as carried on the channel, kept to produce the download later.
	Encrypted *common_models.Envelope
	// Failure is set when the attachment could not be decrypted.
	Failure crypto_engine.Sentinel
}

// Record is an entry of the local message history.
type Record struct {
	// MessageID is the id given by the channel provider.
	MessageID string
	// Text is the clear text, or the failure sentinel when Failed.
	Text string
	File *FileRecord
	// Sender is the display name of the author.
	Sender string
	// SenderVerified is false when Sender comes from the message payload rather than from the provider.
	SenderVerified bool
	// Timestamp is formatted with TimestampLayout.
	Timestamp   string
	IsReceived  bool
	IsEncrypted bool
	// Failed is set when some part of a received message could not be decrypted.
	Failed      bool
	RawEnvelope *common_models.OutboundMessage
}

// Exchange sends and receives encrypted messages on the active channel, and keeps the local history
// of the current conversation.
type Exchange struct {
	cipher            crypto_engine.Cipher
	session           identity.Session
	logger            zerolog.Logger
	now               func() time.Time
	encryptionEnabled atomic.Bool

	lock         sync.Mutex
	channel      channel.Channel
	subscription channel.Subscription
	generation   uint64
	history      []Record
	closed       bool
}

func New(cipher crypto_engine.Cipher, session identity.Session, encryptionEnabled bool, logger zerolog.Logger) *Exchange {
	e := &Exchange{
		cipher:  cipher,
		session: session,
		logger:  logger,
		now:     time.Now,
	}
	e.encryptionEnabled.Store(encryptionEnabled)
	return e
}

// EncryptionEnabled is the mode used to read incoming messages.
func (e *Exchange) EncryptionEnabled() bool {
	return e.encryptionEnabled.Load()
}

// Channel returns the active channel, or nil.
func (e *Exchange) Channel() channel.Channel {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.channel
}

// SetChannel makes ch the active channel: it subscribes to its new messages, drops the subscription
// to the previous channel and starts a new, empty history. Setting the active channel again is a no-op.
// A nil ch only leaves the current channel. If ch cannot be subscribed to, the previous channel is kept.
func (e *Exchange) SetChannel(ch channel.Channel) error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return tracerr.Wrap(ErrorClosed)
	}
	if e.isActive(ch) {
		e.lock.Unlock()
		return nil
	}
	e.lock.Unlock()

	var sub channel.Subscription
	if ch != nil {
		var err error
		sub, err = ch.On(channel.EventMessageNew, e.OnReceive)
		if err != nil {
			e.logger.Error().Err(err).Str("channelID", ch.ID()).Msg("Cannot subscribe to channel")
			return tracerr.Wrap(ErrorSubscribeFailed.AddDetails(err.Error()))
		}
	}

	e.lock.Lock()
	if e.closed || e.isActive(ch) {
		closed := e.closed
		e.lock.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		if closed {
			return tracerr.Wrap(ErrorClosed)
		}
		return nil
	}
	previous := e.leaveChannel()
	if ch != nil {
		e.channel = ch
		e.subscription = sub
		e.logger.Debug().Str("channelID", ch.ID()).Msg("Active channel set")
	}
	e.lock.Unlock()
	// a subscription may wait for its handler, which takes the lock
	if previous != nil {
		previous.Unsubscribe()
	}
	return nil
}

// isActive must be called with the lock held.
func (e *Exchange) isActive(ch channel.Channel) bool {
	return e.channel != nil && ch != nil && e.channel.ID() == ch.ID()
}

// leaveChannel must be called with the lock held. The returned subscription must be cancelled once the lock is released.
func (e *Exchange) leaveChannel() channel.Subscription {
	previous := e.subscription
	e.subscription = nil
	e.channel = nil
	e.history = nil
	e.generation++
	return previous
}

// Close unsubscribes from the active channel. Sends still in flight are not recorded.
func (e *Exchange) Close() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	previous := e.leaveChannel()
	e.closed = true
	e.lock.Unlock()
	if previous != nil {
		previous.Unsubscribe()
	}
}

// Send encrypts input and publishes it on the active channel. The whole message is encrypted in
// the enabled mode. Once published, it is appended to the history and its Record returned.
func (e *Exchange) Send(ctx context.Context, input SendInput, peer *identity.User, enabled bool) (*Record, error) {
	if peer == nil || peer.ID == "" {
		return nil, tracerr.Wrap(ErrorNoPeerSelected)
	}
	if strings.TrimSpace(input.Text) == "" && input.File == nil {
		return nil, tracerr.Wrap(ErrorEmptyMessage)
	}
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil, tracerr.Wrap(ErrorClosed)
	}
	ch := e.channel
	generation := e.generation
	e.lock.Unlock()
	if ch == nil {
		return nil, tracerr.Wrap(ErrorNoActiveChannel)
	}
	if input.File != nil {
		if err := file_codec.CheckSize(input.File.Size); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}

	// nothing is encrypted before the file has been read in full
	outbound := &common_models.OutboundMessage{Sender: e.session.DisplayName()}
	var fileRecord *FileRecord
	if input.File != nil {
		fileEnvelope, err := file_codec.EncryptFile(ctx, e.cipher, input.File, enabled)
		if errors.Is(err, file_codec.ErrorFileTooLarge) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, tracerr.Wrap(err)
		} else if err != nil {
			e.logger.Error().Err(err).Msg("Could not encrypt message file")
			return nil, tracerr.Wrap(ErrorEncryptFailed.AddDetails(err.Error()))
		}
		outbound.File = fileEnvelope
		fileRecord = &FileRecord{
			Info:      &common_models.FileInfo{Name: input.File.Name, MimeType: input.File.MimeType, SizeBytes: input.File.Size},
			Encrypted: fileEnvelope,
		}
	}
	if input.Text != "" {
		textEnvelope, err := e.cipher.Encrypt(input.Text, enabled)
		if err != nil {
			e.logger.Error().Err(err).Msg("Could not encrypt message text")
			return nil, tracerr.Wrap(ErrorEncryptFailed.AddDetails(err.Error()))
		}
		outbound.Text = textEnvelope
	}

	sent, err := ch.SendMessage(ctx, &channel.Message{
		Text:          channel.PlaceholderText,
		Type:          channel.MessageTypeRegular,
		EncryptedData: outbound,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Error sending message")
		return nil, tracerr.Wrap(ErrorPublishFailed.AddDetails(err.Error()))
	}

	record := Record{
		Text:           input.Text,
		File:           fileRecord,
		Sender:         e.session.UserID,
		SenderVerified: true,
		Timestamp:      e.now().UTC().Format(TimestampLayout),
		IsReceived:     false,
		IsEncrypted:    enabled,
		RawEnvelope:    outbound,
	}
	if sent != nil {
		record.MessageID = sent.ID
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed || e.generation != generation {
		e.logger.Debug().Msg("Channel changed during send, not recording message")
		return &record, nil
	}
	e.history = append(e.history, record)
	return &record, nil
}

// OnReceive handles a channel event. Events of other types or other channels, messages which
// carry no encrypted payload, and the echo of the local user's own messages are ignored.
func (e *Exchange) OnReceive(event channel.Event) {
	if event.Type != channel.EventMessageNew || event.Message == nil || event.Message.EncryptedData == nil {
		return
	}
	message := event.Message
	// Send already recorded it. Deliveries from other users are never deduplicated.
	if message.User != nil && message.User.ID == e.session.UserID {
		return
	}
	e.lock.Lock()
	if e.closed || e.channel == nil || e.channel.ID() != event.ChannelID {
		e.lock.Unlock()
		return
	}
	generation := e.generation
	e.lock.Unlock()

	record := e.decryptMessage(message)

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed || e.generation != generation {
		return
	}
	e.history = append(e.history, record)
}

func (e *Exchange) decryptMessage(message *channel.Message) Record {
	enabled := e.EncryptionEnabled()
	encryptedData := message.EncryptedData
	record := Record{
		MessageID:   message.ID,
		IsReceived:  true,
		IsEncrypted: enabled,
		RawEnvelope: encryptedData,
	}

	if message.User != nil && message.User.DisplayName() != "" {
		record.Sender = message.User.DisplayName()
		record.SenderVerified = true
	} else {
		record.Sender = encryptedData.Sender
		e.logger.Warn().Str("sender", encryptedData.Sender).Msg("Message without provider identity, using unverified sender")
	}

	if message.CreatedAt.IsZero() {
		record.Timestamp = e.now().UTC().Format(TimestampLayout)
	} else {
		record.Timestamp = message.CreatedAt.UTC().Format(TimestampLayout)
	}

	if encryptedData.Text != nil {
		value := e.cipher.Decrypt(encryptedData.Text, enabled)
		if sentinel, ok := value.(crypto_engine.Sentinel); ok {
			e.logger.Warn().Str("messageID", message.ID).Str("failure", sentinel.String()).Msg("Could not decrypt message text")
			record.Text = sentinel.String()
			record.Failed = true
		} else {
			record.Text = stringify(value)
		}
	}

	if encryptedData.File != nil {
		fileRecord := &FileRecord{Encrypted: encryptedData.File}
		value := e.cipher.Decrypt(encryptedData.File, enabled)
		if sentinel, ok := value.(crypto_engine.Sentinel); ok {
			fileRecord.Failure = sentinel
		} else if payload, ok := common_models.FilePayloadFromValue(value); ok {
			fileRecord.Info = payload.Info()
		} else {
			fileRecord.Failure = crypto_engine.SentinelDecryptionFailed
		}
		if fileRecord.Failure != "" {
			e.logger.Warn().Str("messageID", message.ID).Str("failure", fileRecord.Failure.String()).Msg("Could not decrypt message file")
			record.Failed = true
		}
		record.File = fileRecord
	}
	return record
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	res, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(res)
}

// History returns a copy of the history of the current conversation, in arrival order.
func (e *Exchange) History() []Record {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]Record(nil), e.history...)
}

// Received returns the received records of the history.
func (e *Exchange) Received() []Record {
	e.lock.Lock()
	defer e.lock.Unlock()
	var res []Record
	for _, r := range e.history {
		if r.IsReceived {
			res = append(res, r)
		}
	}
	return res
}

// RetagEncryption sets the mode used for incoming messages and tags the whole history with it.
func (e *Exchange) RetagEncryption(enabled bool) {
	e.encryptionEnabled.Store(enabled)
	e.lock.Lock()
	defer e.lock.Unlock()
	for i := range e.history {
		e.history[i].IsEncrypted = enabled
	}
}

// DecryptAttachment decrypts the attachment of record, in the current mode.
func (e *Exchange) DecryptAttachment(record Record) (*common_models.ClearFile, error) {
	if record.File == nil || record.File.Encrypted == nil {
		return nil, tracerr.Wrap(ErrorNoAttachment)
	}
	clearFile := file_codec.DecryptFile(e.cipher, record.File.Encrypted, e.EncryptionEnabled())
	if clearFile == nil {
		return nil, tracerr.Wrap(file_codec.ErrorCannotDecrypt)
	}
	if clearFile.Name == "" {
		clearFile.Name = file_codec.DefaultFilename
	}
	return clearFile, nil
}

// Draft is the composer state: the text being typed and the attached file.
type Draft struct {
	lock sync.Mutex
	text string
	file *file_codec.File
}

func (d *Draft) SetText(text string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.text = text
}

// SetFile attaches file, refusing it if it is over the size limit.
func (d *Draft) SetFile(file *file_codec.File) error {
	if file != nil {
		if err := file_codec.CheckSize(file.Size); err != nil {
			return tracerr.Wrap(err)
		}
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.file = file
	return nil
}

func (d *Draft) Input() SendInput {
	d.lock.Lock()
	defer d.lock.Unlock()
	return SendInput{Text: d.text, File: d.file}
}

func (d *Draft) Clear() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.text = ""
	d.file = nil
}

// SendDraft sends the content of draft, and clears it once sent.
func (e *Exchange) SendDraft(ctx context.Context, draft *Draft, peer *identity.User, enabled bool) (*Record, error) {
	record, err := e.Send(ctx, draft.Input(), peer, enabled)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	draft.Clear()
	return record, nil
}
