package veilchat

import (
	"context"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/crypto_engine"
	"github.com/veilchat/go-veilchat-sdk/direct_channel"
	"github.com/veilchat/go-veilchat-sdk/file_codec"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/message_exchange"
	"github.com/veilchat/go-veilchat-sdk/security_selftest"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	EnvEncryptionKey      = "VEILCHAT_ENCRYPTION_KEY"
	EnvEncryptionDisabled = "VEILCHAT_ENCRYPTION_DISABLED"
	EnvLogLevel           = "VEILCHAT_LOG_LEVEL"
	EnvInstanceName       = "VEILCHAT_INSTANCE_NAME"
	EnvSessionToken       = "VEILCHAT_SESSION_TOKEN"
	EnvSessionSecret      = "VEILCHAT_SESSION_SECRET"
)

var (
	// ErrorOptionsRequired is returned when Initialize is called without options
	ErrorOptionsRequired = utils.NewVeilError("VEILCHAT_OPTIONS_REQUIRED", "options argument is required")
	// ErrorChannelProviderRequired is returned when ChannelProvider is not defined
	ErrorChannelProviderRequired = utils.NewVeilError("VEILCHAT_CHANNEL_PROVIDER_REQUIRED", "ChannelProvider argument is required")
	// ErrorDirectoryRequired is returned when Directory is not defined
	ErrorDirectoryRequired = utils.NewVeilError("VEILCHAT_DIRECTORY_REQUIRED", "Directory argument is required")
	// ErrorSessionRequired is returned when Session is not defined or has no user id
	ErrorSessionRequired = utils.NewVeilError("VEILCHAT_SESSION_REQUIRED", "Session argument is required")
	// ErrorClientClosed is returned when this client has been closed
	ErrorClientClosed = utils.NewVeilError("VEILCHAT_CLIENT_CLOSED", "this client has already been closed")
	// ErrorInvalidEnv is returned when an environment variable has an invalid value
	ErrorInvalidEnv = utils.NewVeilError("VEILCHAT_INVALID_ENV", "invalid environment variable")
)

// InitializeOptions is the options object for initializing a Client.
type InitializeOptions struct {
	// EncryptionKey is the shared passphrase from which the encryption key is derived. If empty, the insecure
	// crypto_engine.DefaultEncryptionKey is used, and the security self-test reports it.
	EncryptionKey string
	// EncryptionDisabled starts the client with encryption turned off. Messages are then sent in the clear.
	EncryptionDisabled bool
	// ChannelProvider is the pub/sub service through which messages are exchanged.
	ChannelProvider channel.Provider
	// Directory is the user directory in which peers are looked up.
	Directory identity.Directory
	// Session is the current user.
	Session *identity.Session
	// LogLevel is the minimum level of logs you want. All logs of this level or above will be displayed. Use one of the zerolog level constants.
	LogLevel zerolog.Level
	// LogNoColor should be set to true if you want to disable colors in the log output.
	LogNoColor bool
	// LogWriter is the io.Writer to which to write the logs. Defaults to os.Stdout.
	LogWriter io.Writer
	// InstanceName is an arbitrary name to give to this instance. It is added to logs.
	InstanceName string
}

// OptionsFromEnv reads the configuration from the environment. ChannelProvider and Directory are left
// for the caller to set. The session is only read when both the token and its secret are set.
func OptionsFromEnv() (*InitializeOptions, error) {
	options := &InitializeOptions{
		EncryptionKey: os.Getenv(EnvEncryptionKey),
		InstanceName:  os.Getenv(EnvInstanceName),
		LogLevel:      zerolog.InfoLevel,
	}
	if v := os.Getenv(EnvEncryptionDisabled); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, tracerr.Wrap(ErrorInvalidEnv.AddDetails(EnvEncryptionDisabled + ": " + err.Error()))
		}
		options.EncryptionDisabled = disabled
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		level, err := zerolog.ParseLevel(v)
		if err != nil {
			return nil, tracerr.Wrap(ErrorInvalidEnv.AddDetails(EnvLogLevel + ": " + err.Error()))
		}
		options.LogLevel = level
	}
	token, secret := os.Getenv(EnvSessionToken), os.Getenv(EnvSessionSecret)
	if token != "" && secret != "" {
		session, err := identity.ParseSessionToken(token, secret)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		options.Session = session
	}
	return options, nil
}

var setTimeFieldFormat sync.Once

func validateOptions(options *InitializeOptions) error {
	if options == nil {
		return tracerr.Wrap(ErrorOptionsRequired)
	}
	if options.ChannelProvider == nil {
		return tracerr.Wrap(ErrorChannelProviderRequired)
	}
	if options.Directory == nil {
		return tracerr.Wrap(ErrorDirectoryRequired)
	}
	if options.Session == nil || options.Session.UserID == "" {
		return tracerr.Wrap(ErrorSessionRequired)
	}
	return nil
}

// Client is an instance of the encrypted chat client, for one user.
// You must never create a Client yourself. Instead, always use Initialize.
type Client struct {
	options  *InitializeOptions
	logger   zerolog.Logger
	engine   *crypto_engine.Engine
	selfTest *security_selftest.Runner
	resolver *direct_channel.Resolver
	exchange *message_exchange.Exchange

	lock              sync.RWMutex
	selectedPeer      *identity.User
	encryptionEnabled bool
	closed            bool
}

// Initialize creates a Client, and runs the security self-test once.
func Initialize(options *InitializeOptions) (*Client, error) {
	err := validateOptions(options)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if options.LogWriter == nil {
		options.LogWriter = os.Stdout
	}

	setTimeFieldFormat.Do(func() { zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs })
	instanceLogger := zerolog.New(zerolog.ConsoleWriter{Out: options.LogWriter, TimeFormat: time.StampMilli, NoColor: options.LogNoColor}).With().Timestamp().Logger()
	instanceLogger = instanceLogger.Level(options.LogLevel)
	if options.InstanceName != "" {
		instanceLogger = instanceLogger.With().Str("instance", options.InstanceName).Logger()
	}
	instanceLogger.Debug().Str("userID", options.Session.UserID).Msg("Initialize new instance...")

	engine, err := crypto_engine.New(options.EncryptionKey, instanceLogger.With().Str("component", "cryptoEngine").Logger())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	enabled := !options.EncryptionDisabled
	client := &Client{
		options:           options,
		logger:            instanceLogger,
		engine:            engine,
		selfTest:          security_selftest.NewRunner(engine, engine.UsingDefaultKey(), instanceLogger.With().Str("component", "selfTest").Logger()),
		resolver:          direct_channel.NewResolver(options.ChannelProvider, instanceLogger.With().Str("component", "directChannel").Logger()),
		exchange:          message_exchange.New(engine, *options.Session, enabled, instanceLogger.With().Str("component", "messageExchange").Logger()),
		encryptionEnabled: enabled,
	}
	client.selfTest.Run(context.Background(), enabled)
	return client, nil
}

func (c *Client) checkOpen() error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.closed {
		return tracerr.Wrap(ErrorClientClosed)
	}
	return nil
}

// Session returns the current user's session.
func (c *Client) Session() identity.Session {
	return *c.options.Session
}

// ListUsers returns every user of the directory but the current one.
func (c *Client) ListUsers(ctx context.Context) ([]identity.User, error) {
	return c.SearchUsers(ctx, "")
}

// SearchUsers returns the users other than the current one whose name contains term.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]identity.User, error) {
	if err := c.checkOpen(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	selfID := c.options.Session.UserID
	users, err := c.options.Directory.QueryUsers(ctx, identity.UserFilter{ExcludeID: selfID, Search: term})
	if err != nil {
		c.logger.Error().Err(err).Msg("Error fetching users")
		return nil, tracerr.Wrap(err)
	}
	return identity.ExcludeSelf(users, selfID), nil
}

// SelectPeer opens the direct channel with peer and makes it the active conversation.
func (c *Client) SelectPeer(ctx context.Context, peer identity.User) (channel.Channel, error) {
	if err := c.checkOpen(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	ch, err := c.resolver.Resolve(ctx, c.options.Session.UserID, peer.ID)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err = c.exchange.SetChannel(ch); err != nil {
		return nil, tracerr.Wrap(err)
	}
	c.lock.Lock()
	c.selectedPeer = &peer
	c.lock.Unlock()
	return ch, nil
}

// SelectedPeer returns the peer of the active conversation, or nil.
func (c *Client) SelectedPeer() *identity.User {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.selectedPeer == nil {
		return nil
	}
	peer := *c.selectedPeer
	return &peer
}

// Send sends input to the selected peer, in the encryption mode active when it is called.
func (c *Client) Send(ctx context.Context, input message_exchange.SendInput) (*message_exchange.Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	c.lock.RLock()
	peer := c.selectedPeer
	enabled := c.encryptionEnabled
	c.lock.RUnlock()
	record, err := c.exchange.Send(ctx, input, peer, enabled)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return record, nil
}

// SendFile sends text and the file at filePath to the selected peer.
func (c *Client) SendFile(ctx context.Context, text string, filePath string) (*message_exchange.Record, error) {
	file, closer, err := file_codec.OpenFile(filePath)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	defer closer.Close()
	record, err := c.Send(ctx, message_exchange.SendInput{Text: text, File: file})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return record, nil
}

// SendDraft sends the composer draft to the selected peer and clears it.
func (c *Client) SendDraft(ctx context.Context, draft *message_exchange.Draft) (*message_exchange.Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	c.lock.RLock()
	peer := c.selectedPeer
	enabled := c.encryptionEnabled
	c.lock.RUnlock()
	record, err := c.exchange.SendDraft(ctx, draft, peer, enabled)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return record, nil
}

// History returns the messages of the active conversation.
func (c *Client) History() []message_exchange.Record {
	return c.exchange.History()
}

// ReceivedMessages returns the messages of the active conversation sent by the peer.
func (c *Client) ReceivedMessages() []message_exchange.Record {
	return c.exchange.Received()
}

// DecryptAttachment returns the decrypted attachment of record.
func (c *Client) DecryptAttachment(record message_exchange.Record) (*common_models.ClearFile, error) {
	clearFile, err := c.exchange.DecryptAttachment(record)
	if err != nil {
		c.logger.Error().Err(err).Msg("Download error")
		return nil, tracerr.Wrap(err)
	}
	return clearFile, nil
}

// DownloadAttachment decrypts the attachment of record and writes it into directory. It returns the written path.
func (c *Client) DownloadAttachment(record message_exchange.Record, directory string) (string, error) {
	clearFile, err := c.DecryptAttachment(record)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	filePath, err := file_codec.SaveClearFile(directory, clearFile)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return filePath, nil
}

func (c *Client) EncryptionEnabled() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.encryptionEnabled
}

// SetEncryptionEnabled switches encryption on or off, re-tags the history and re-runs the self-test.
func (c *Client) SetEncryptionEnabled(ctx context.Context, enabled bool) security_selftest.SecurityStatus {
	c.lock.Lock()
	changed := c.encryptionEnabled != enabled
	c.encryptionEnabled = enabled
	c.lock.Unlock()
	if !changed {
		return c.selfTest.Status()
	}
	if enabled {
		c.logger.Info().Msg("Encryption enabled")
	} else {
		c.logger.Warn().Msg("Encryption disabled, messages are now sent in the clear")
	}
	c.exchange.RetagEncryption(enabled)
	return c.selfTest.Run(ctx, enabled)
}

// ToggleEncryption flips the encryption mode. It returns the new mode.
func (c *Client) ToggleEncryption(ctx context.Context) bool {
	c.lock.Lock()
	enabled := !c.encryptionEnabled
	c.lock.Unlock()
	c.SetEncryptionEnabled(ctx, enabled)
	return enabled
}

// RunSecurityTests runs the self-test, unless a run is already in flight. It returns the latest complete status.
func (c *Client) RunSecurityTests(ctx context.Context) security_selftest.SecurityStatus {
	status, ran := c.selfTest.TryRun(ctx, c.EncryptionEnabled())
	if !ran {
		c.logger.Debug().Msg("Security tests already running")
	}
	return status
}

func (c *Client) SecurityStatus() security_selftest.SecurityStatus {
	return c.selfTest.Status()
}

func (c *Client) SecurityTestsRunning() bool {
	return c.selfTest.Running()
}

// Close leaves the active conversation. After calling Close, the client cannot be used anymore.
func (c *Client) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		c.logger.Debug().Msg("Already closed")
		return
	}
	c.closed = true
	c.selectedPeer = nil
	c.lock.Unlock()
	c.exchange.Close()
	c.selfTest.Close()
	c.logger.Debug().Msg("Client closed")
}
