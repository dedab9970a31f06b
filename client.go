package aia

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"aia/connection"
	"aia/directive"
	"aia/internal/alertschedule"
	"aia/internal/config"
	"aia/regulator"
	"aia/secret"
	"aia/sequencer"
	"aia/speaker"
	"aia/store"
	"aia/taskpool"
	"aia/topic"
	"aia/transport"
	"aia/ux"
	"aia/wire"
)

// Config bundles every collaborator and tuning parameter Client needs.
// Transport is the only required field beyond device identity; everything
// else falls back to a usable default or a caller-supplied override.
type Config struct {
	// ClientID, APIVersion, and TopicRoot build the device topic root
	// (spec.md §6 "<storedRoot>/ais/<apiVersion>/<iotClientId>/"). If
	// TopicRoot is empty, it is loaded from Store under
	// store.AiaTopicRootKey; New fails with ErrMissingTopicRoot if neither
	// is available.
	ClientID   string
	APIVersion string
	TopicRoot  string

	Transport transport.Conn
	Regulator regulator.Regulator // defaults to regulator.NewMemory()
	Store     store.BlobStore     // defaults to store.NewMemory()

	// InitialKey, if set, is installed on the Secret Manager at
	// construction (spec.md §4.2). A Client with no key can still ingest
	// messages; every decrypt fails with secret.ErrNoKey until a key is
	// installed (e.g. via a RotateSecret directive).
	InitialKey *secret.Key

	SequencerMaxSlots  uint32
	SequenceTimeoutMs  int

	SpeakerBufferSize        uint64
	OverrunWarningThreshold  uint64
	UnderrunWarningThreshold uint64
	PlaySpeakerData          func(pcm []byte)
	SetVolume                func(volume float64)
	PlayOfflineAlert         func()
	StopOfflineAlert         func()
	BufferStateObserver      func(speaker.BufferState)
	SpeakerFrameSize         int
	SpeakerFrameInterval     time.Duration

	OnUXStateChange func(ux.State)

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxBackoffMs      int64

	OnConnectionSuccess  func()
	OnConnectionRejected func(code, description string)
	OnDisconnected       func(code connection.DisconnectCode)
	OnSequenceTimeout    func(topicName string, nextExpected uint32)

	// Manifest, if set, declares which directive names this device class
	// accepts on the Directive topic (internal/config.Manifest, loaded
	// from the build-shipped capability YAML). A directive whose name
	// isn't declared is rejected as a MALFORMED_MESSAGE exception instead
	// of reaching any handler. Nil (the default) accepts every directive
	// name the Dispatcher has a handler for.
	Manifest *config.Manifest

	Logger *log.Logger
}

// Client assembles the Sequencer -> SecretManager -> Directive
// Dispatcher / Speaker Manager -> UX Manager pipeline (spec.md §2) behind
// a single explicit construction/teardown handle (spec.md §9 Open
// Question: explicit init, no package-level global state).
type Client struct {
	mu     sync.Mutex
	closed bool

	root       string
	apiVersion string
	clientID   string

	transport  transport.Conn
	regulator  regulator.Regulator
	blobStore  store.BlobStore
	pool       *taskpool.Pool
	secrets    *secret.Manager
	speaker    *speaker.Manager
	conn       *connection.Manager
	uxMgr      *ux.Manager
	dispatcher *directive.Dispatcher
	manifest   *config.Manifest

	sequencers map[topic.Topic]*sequencer.Sequencer[wire.ChannelMessage]

	outSeq   map[topic.Topic]uint32
	outSeqMu sync.Mutex

	subscribed map[topic.Topic]bool

	log *log.Logger
}

// New constructs a fully-wired Client. The topic root is resolved (from
// Config or Store), the topic root persisted if it came from Config,
// and every engine is constructed with the Client's shared task pool.
func New(cfg Config) (*Client, error) {
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	reg := cfg.Regulator
	if reg == nil {
		reg = regulator.NewMemory()
	}
	bs := cfg.Store
	if bs == nil {
		bs = store.NewMemory()
	}

	root := cfg.TopicRoot
	if root == "" {
		stored, err := bs.Load(store.AiaTopicRootKey)
		if err != nil {
			return nil, ErrMissingTopicRoot
		}
		root = string(stored)
	} else if err := bs.Store(store.AiaTopicRootKey, []byte(root)); err != nil {
		return nil, fmt.Errorf("aia: persist topic root: %w", err)
	}

	maxSlots := cfg.SequencerMaxSlots
	if maxSlots == 0 {
		maxSlots = 32
	}
	timeoutMs := cfg.SequenceTimeoutMs
	if timeoutMs == 0 {
		timeoutMs = 5000
	}
	frameSize := cfg.SpeakerFrameSize
	if frameSize == 0 {
		frameSize = 1920 // 20ms @ 48kHz 16-bit mono
	}
	frameInterval := cfg.SpeakerFrameInterval
	if frameInterval == 0 {
		frameInterval = 20 * time.Millisecond
	}

	c := &Client{
		root:       topic.Root(root, cfg.APIVersion, cfg.ClientID),
		apiVersion: cfg.APIVersion,
		clientID:   cfg.ClientID,
		transport:  cfg.Transport,
		regulator:  reg,
		blobStore:  bs,
		pool:       taskpool.New(),
		sequencers: make(map[topic.Topic]*sequencer.Sequencer[wire.ChannelMessage]),
		outSeq:     make(map[topic.Topic]uint32),
		subscribed: make(map[topic.Topic]bool),
		manifest:   cfg.Manifest,
		log:        l,
	}

	c.secrets = secret.NewManager(secret.WithLogger(l))
	if cfg.InitialKey != nil {
		c.secrets.InstallKey(*cfg.InitialKey)
		restoreRotationState(c.secrets, bs, l)
	}

	c.speaker = speaker.New(speaker.Config{
		BufferSize:               cfg.SpeakerBufferSize,
		OverrunWarningThreshold:  cfg.OverrunWarningThreshold,
		UnderrunWarningThreshold: cfg.UnderrunWarningThreshold,
		PlaySpeakerData:          cfg.PlaySpeakerData,
		SetVolume:                cfg.SetVolume,
		PlayOfflineAlert:         cfg.PlayOfflineAlert,
		StopOfflineAlert:         cfg.StopOfflineAlert,
		BufferStateObserver: func(s speaker.BufferState) {
			if cfg.BufferStateObserver != nil {
				cfg.BufferStateObserver(s)
			}
			c.regulator.Write(regulator.Event{BufferStateChanged: &regulator.BufferStateChanged{State: s.String()}})
		},
		PlayStateObserver: func(playing bool) {
			c.uxMgr.SetSpeakerPlaying(playing)
		},
		MarkerObserver: func(offset uint64, valid bool) {
			c.regulator.Write(regulator.Event{SpeakerMarkerEncountered: &regulator.SpeakerMarkerEncountered{
				Offset: offset,
				Valid:  valid,
			}})
		},
		Scheduler: c.pool,
		Logger:    l,
	})
	c.speaker.StartPlaybackLoop(frameInterval, frameSize)

	c.uxMgr = ux.New(cfg.OnUXStateChange)
	restoreAttentionAlert(c.uxMgr, bs, time.Now(), l)

	c.conn = connection.New(connection.Config{
		Publisher:         (*connectionPublisher)(c),
		Scheduler:         c.pool,
		DisconnectTimeout: cfg.DisconnectTimeout,
		MaxBackoffMs:      cfg.MaxBackoffMs,
		OnConnectionSuccess: func() {
			c.subscribeDataTopics()
			if cfg.OnConnectionSuccess != nil {
				cfg.OnConnectionSuccess()
			}
		},
		OnConnectionRejected: cfg.OnConnectionRejected,
		OnDisconnected: func(code connection.DisconnectCode) {
			c.unsubscribeDataTopics()
			if cfg.OnDisconnected != nil {
				cfg.OnDisconnected(code)
			}
		},
		Logger: l,
	})

	c.dispatcher = directive.NewDispatcher()
	c.registerDefaultDirectiveHandlers()

	onSeqTimeout := func(t topic.Topic) func(uint32) {
		return func(nextExpected uint32) {
			name := topic.FullName(c.root, t)
			c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
				Code:    regulator.ErrSequenceTimeout,
				Message: regulator.MessageRef{Topic: name, SequenceNumber: nextExpected},
			}})
			if cfg.OnSequenceTimeout != nil {
				cfg.OnSequenceTimeout(name, nextExpected)
			}
		}
	}

	c.sequencers[topic.Directive] = sequencer.New[wire.ChannelMessage](
		c.onDirectiveSequenced, onSeqTimeout(topic.Directive), wire.ExtractSequenceNumber,
		1, maxSlots, timeoutMs, c.pool, sequencer.WithLogger[wire.ChannelMessage](l))
	c.sequencers[topic.Speaker] = sequencer.New[wire.ChannelMessage](
		c.onSpeakerSequenced, onSeqTimeout(topic.Speaker), wire.ExtractSequenceNumber,
		1, maxSlots, timeoutMs, c.pool, sequencer.WithLogger[wire.ChannelMessage](l))
	c.sequencers[topic.ConnectionFromService] = sequencer.New[wire.ChannelMessage](
		c.onConnectionSequenced, onSeqTimeout(topic.ConnectionFromService), wire.ExtractSequenceNumber,
		1, maxSlots, timeoutMs, c.pool, sequencer.WithLogger[wire.ChannelMessage](l))

	if err := c.subscribeTopic(topic.ConnectionFromService); err != nil {
		c.pool.Close()
		return nil, fmt.Errorf("aia: subscribe connection topic: %w", err)
	}

	return c, nil
}

// Connect starts the connect handshake (spec.md §4.4).
func (c *Client) Connect() error {
	return c.conn.Connect()
}

// Disconnect starts a graceful disconnect with code and description
// (spec.md §4.4).
func (c *Client) Disconnect(code connection.DisconnectCode, description string) error {
	return c.conn.Disconnect(code, description)
}

// ConnectionState reports the current connection.State.
func (c *Client) ConnectionState() connection.State {
	return c.conn.State()
}

// TopicRoot returns the device's fully-built topic root
// ("<storedRoot>/ais/<apiVersion>/<iotClientId>/"), for callers that need
// to address the device directly (e.g. a local test harness standing in
// for the cloud side of the connection).
func (c *Client) TopicRoot() string {
	return c.root
}

// SetMicrophoneState feeds the local microphone state into the UX reducer
// (spec.md §4.5) and, on open, triggers speaker barge-in (spec.md §4.3
// "Barge-in is triggered externally (e.g., microphone open)").
func (c *Client) SetMicrophoneState(s ux.MicrophoneState) {
	c.uxMgr.SetMicrophone(s)
	if s == ux.MicrophoneOpen {
		c.speaker.BargeIn()
	}
}

// UXState returns the most recently reduced ux.State.
func (c *Client) UXState() ux.State {
	return c.uxMgr.Current()
}

// Close tears down every engine and releases the task pool. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	persistRotationState(c.secrets, c.blobStore, c.log)

	for t := range c.sequencers {
		c.sequencers[t].Destroy()
	}
	c.speaker.Destroy()
	c.conn.Destroy()
	c.pool.Close()
	return nil
}

// persistRotationState saves the secret.Manager's in-progress rotation
// boundaries and pre-rotation key (store.AiaRotationBoundariesKey,
// store.AiaRotationPreviousKeyKey) so a restart mid-rotation can resume
// tracking which topics still owe the previous key instead of silently
// losing it (spec.md §4.2 "Rotation"). A no-op if no rotation is pending.
func persistRotationState(secrets *secret.Manager, bs store.BlobStore, l *log.Logger) {
	boundaries := secrets.PendingBoundaries()
	if boundaries == nil {
		return
	}
	prev := secrets.PreviousKey()
	if prev == nil {
		return
	}

	stored := make(store.RotationBoundaries, len(boundaries))
	for t, n := range boundaries {
		stored[uint8(t)] = n
	}
	if err := store.SaveRotationBoundaries(bs, store.AiaRotationBoundariesKey, stored); err != nil {
		l.Warn("aia: persist rotation boundaries", "err", err)
		return
	}
	keyJSON, err := json.Marshal(prev)
	if err != nil {
		l.Warn("aia: marshal previous key", "err", err)
		return
	}
	if err := bs.Store(store.AiaRotationPreviousKeyKey, keyJSON); err != nil {
		l.Warn("aia: persist previous key", "err", err)
	}
}

// restoreRotationState loads rotation state saved by persistRotationState
// and, if a complete pair is found, reinstates it on secrets via
// RestorePending so messages still arriving below the persisted boundary on
// each topic keep decrypting with the previous key across the restart.
func restoreRotationState(secrets *secret.Manager, bs store.BlobStore, l *log.Logger) {
	boundaries, err := store.LoadRotationBoundaries(bs, store.AiaRotationBoundariesKey)
	if err != nil {
		l.Warn("aia: load rotation boundaries", "err", err)
		return
	}
	if len(boundaries) == 0 {
		return
	}
	keyJSON, err := bs.Load(store.AiaRotationPreviousKeyKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.Warn("aia: load previous key", "err", err)
		}
		return
	}
	var prev secret.Key
	if err := json.Unmarshal(keyJSON, &prev); err != nil {
		l.Warn("aia: unmarshal previous key", "err", err)
		return
	}

	perTopic := make(map[topic.Topic]uint32, len(boundaries))
	for t, n := range boundaries {
		perTopic[topic.Topic(t)] = n
	}
	if err := secrets.RestorePending(prev, perTopic); err != nil {
		l.Warn("aia: restore rotation state", "err", err)
	}
}

// subscribeTopic subscribes the transport to t's full wire name, routing
// every arriving message into t's Sequencer. Idempotent per topic.
func (c *Client) subscribeTopic(t topic.Topic) error {
	c.mu.Lock()
	if c.subscribed[t] {
		c.mu.Unlock()
		return nil
	}
	c.subscribed[t] = true
	c.mu.Unlock()

	name := topic.FullName(c.root, t)
	return c.transport.Subscribe(name, func(_ string, payload []byte) {
		msg, err := wire.Decode(payload)
		if err != nil {
			c.log.Warn("aia: dropping malformed frame", "topic", name, "err", err)
			c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
				Code:    regulator.ErrMalformedMessage,
				Message: regulator.MessageRef{Topic: name},
			}})
			return
		}
		if err := c.sequencers[t].Enqueue(msg); err != nil {
			c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
				Code:    regulator.ErrMalformedMessage,
				Message: regulator.MessageRef{Topic: name, SequenceNumber: uint32(msg.SequenceNumber)},
			}})
		}
	})
}

func (c *Client) unsubscribeTopic(t topic.Topic) {
	c.mu.Lock()
	if !c.subscribed[t] {
		c.mu.Unlock()
		return
	}
	c.subscribed[t] = false
	c.mu.Unlock()
	_ = c.transport.Unsubscribe(topic.FullName(c.root, t))
}

// subscribeDataTopics and unsubscribeDataTopics gate Directive/Speaker
// dispatch on the CONNECTED transition (spec.md §5 "The connection
// acknowledgement is delivered before any directive or speaker data is
// dispatched to the application").
func (c *Client) subscribeDataTopics() {
	if err := c.subscribeTopic(topic.Directive); err != nil {
		c.log.Error("aia: subscribe directive topic", "err", err)
	}
	if err := c.subscribeTopic(topic.Speaker); err != nil {
		c.log.Error("aia: subscribe speaker topic", "err", err)
	}
}

func (c *Client) unsubscribeDataTopics() {
	c.unsubscribeTopic(topic.Directive)
	c.unsubscribeTopic(topic.Speaker)
}

// decryptOrReport decrypts msg under t and reports an ExceptionEncountered
// on failure, returning (plaintext, ok).
func (c *Client) decryptOrReport(t topic.Topic, msg wire.ChannelMessage) ([]byte, bool) {
	plaintext, err := c.secrets.Decrypt(t, uint32(msg.SequenceNumber), msg.Ciphertext, msg.Tag)
	if err != nil {
		name := topic.FullName(c.root, t)
		c.log.Warn("aia: decrypt failed", "topic", name, "seq", msg.SequenceNumber, "err", err)
		c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
			Code:    regulator.ErrMalformedMessage,
			Message: regulator.MessageRef{Topic: name, SequenceNumber: uint32(msg.SequenceNumber)},
		}})
		return nil, false
	}
	return plaintext, true
}

func (c *Client) onDirectiveSequenced(msg wire.ChannelMessage) {
	plaintext, ok := c.decryptOrReport(topic.Directive, msg)
	if !ok {
		return
	}
	name := topic.FullName(c.root, topic.Directive)
	env, err := directive.Parse(plaintext)
	if err != nil {
		c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
			Code:    regulator.ErrMalformedMessage,
			Message: regulator.MessageRef{Topic: name, SequenceNumber: uint32(msg.SequenceNumber)},
		}})
		return
	}
	env, errs := c.filterByManifest(name, uint32(msg.SequenceNumber), env)
	errs = append(errs, c.applyRotateSecretDirectives(name, uint32(msg.SequenceNumber), env)...)
	errs = append(errs, c.dispatcher.Dispatch(name, uint32(msg.SequenceNumber), env)...)
	for _, e := range errs {
		c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
			Code: regulator.ErrMalformedMessage,
			Message: regulator.MessageRef{
				Topic: e.Addr.Topic, SequenceNumber: e.Addr.SequenceNumber,
				Index: e.Addr.Index, HasIndex: true,
			},
		}})
	}
}

func (c *Client) onSpeakerSequenced(msg wire.ChannelMessage) {
	plaintext, ok := c.decryptOrReport(topic.Speaker, msg)
	if !ok {
		return
	}
	c.speaker.WriteAudio(plaintext)
}

// connectionAckOrDisconnect is the JSON shape carried on
// ConnectionFromService (spec.md §6): a ConnectMessageId present means an
// ack for a Connect the device sent; its absence means a server-initiated
// disconnect.
type connectionAckOrDisconnect struct {
	ConnectMessageId string `json:"connectMessageId,omitempty"`
	Code             string `json:"code"`
	Description      string `json:"description,omitempty"`
}

func (c *Client) onConnectionSequenced(msg wire.ChannelMessage) {
	plaintext, ok := c.decryptOrReport(topic.ConnectionFromService, msg)
	if !ok {
		return
	}
	var payload connectionAckOrDisconnect
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		name := topic.FullName(c.root, topic.ConnectionFromService)
		c.regulator.Write(regulator.Event{ExceptionEncountered: &regulator.ExceptionEncountered{
			Code:    regulator.ErrMalformedMessage,
			Message: regulator.MessageRef{Topic: name, SequenceNumber: uint32(msg.SequenceNumber)},
		}})
		return
	}
	if payload.ConnectMessageId != "" {
		c.conn.HandleAcknowledgement(connection.Acknowledgement{
			ConnectMessageId: payload.ConnectMessageId,
			Code:             payload.Code,
			Description:      payload.Description,
		})
		return
	}
	c.conn.HandleServerDisconnect(connection.DisconnectCode(payload.Code))
}

// nextOutboundSeq assigns the next device-originated sequence number for
// t, starting at 1 (0 is the reserved "unset" sentinel, spec.md §3).
func (c *Client) nextOutboundSeq(t topic.Topic) uint32 {
	c.outSeqMu.Lock()
	defer c.outSeqMu.Unlock()
	c.outSeq[t]++
	return c.outSeq[t]
}

// publishEncrypted encrypts plaintext under t at the next outbound
// sequence number and publishes the framed result.
func (c *Client) publishEncrypted(t topic.Topic, plaintext []byte) error {
	seq := c.nextOutboundSeq(t)
	ciphertext, tag, err := c.secrets.Encrypt(t, seq, plaintext)
	if err != nil {
		return fmt.Errorf("aia: encrypt %s: %w", t, err)
	}
	frame := wire.Encode(wire.ChannelMessage{
		Topic: t, SequenceNumber: wire.SequenceNumber(seq), Ciphertext: ciphertext, Tag: tag,
	})
	return c.transport.Publish(topic.FullName(c.root, t), frame)
}

// connectionPublisher adapts Client to connection.Publisher, sending
// Connect/Disconnect requests on the ConnectionFromDevice topic.
type connectionPublisher Client

func (p *connectionPublisher) PublishConnect(connectMessageId string) error {
	c := (*Client)(p)
	data, err := json.Marshal(struct {
		ConnectMessageId string `json:"connectMessageId"`
	}{ConnectMessageId: connectMessageId})
	if err != nil {
		return err
	}
	return c.publishEncrypted(topic.ConnectionFromDevice, data)
}

func (p *connectionPublisher) PublishDisconnect(code connection.DisconnectCode, description string) error {
	c := (*Client)(p)
	data, err := json.Marshal(struct {
		Code        string `json:"code"`
		Description string `json:"description,omitempty"`
	}{Code: string(code), Description: description})
	if err != nil {
		return err
	}
	return c.publishEncrypted(topic.ConnectionFromDevice, data)
}

// registerDefaultDirectiveHandlers wires the well-known directive names
// (spec.md §6) into the Speaker Manager, UX Manager, and Secret Manager.
func (c *Client) registerDefaultDirectiveHandlers() {
	c.dispatcher.Register(directive.OpenSpeaker, func(_ directive.Address, payload json.RawMessage) error {
		var p directive.OpenSpeakerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		c.speaker.OpenSpeaker(p.Offset)
		return nil
	})
	c.dispatcher.Register(directive.CloseSpeaker, func(_ directive.Address, payload json.RawMessage) error {
		var p directive.CloseSpeakerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		c.speaker.CloseSpeaker(p.Offset)
		return nil
	})
	c.dispatcher.Register(directive.SetVolume, func(_ directive.Address, payload json.RawMessage) error {
		var p directive.SetVolumePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		c.speaker.SetVolume(p.Volume, p.Offset)
		return nil
	})
	c.dispatcher.Register(directive.SetAttentionState, func(_ directive.Address, payload json.RawMessage) error {
		var p directive.SetAttentionStatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		state := parseAttentionState(p.State)
		c.uxMgr.SetAttention(state)
		c.persistAttentionAlert(state)
		return nil
	})
	// RotateSecret is deliberately not registered here: it's handled by
	// applyRotateSecretDirectives before Dispatch runs, so every
	// RotateSecret directive in one envelope (one per topic, spec.md §6)
	// accumulates into a single Manager.Rotate call instead of each
	// clobbering the previous one's boundary/previous-key tracking
	// (spec.md §4.2 "Rotation"). Dispatch still sees these directives —
	// they just hit the no-op unknown-handler path.
}

// filterByManifest blanks the name of any directive not declared for the
// Directive topic in c.manifest (internal/config.Manifest), reporting each
// as a DispatchError. A blanked name falls through both
// applyRotateSecretDirectives (which only looks for directive.RotateSecret)
// and Dispatch's unknown-handler path, without disturbing the original
// per-entry indices the reported Addresses reference. A nil manifest (the
// default) is a no-op: every directive passes through unchanged.
func (c *Client) filterByManifest(name string, seqNum uint32, env directive.Envelope) (directive.Envelope, []directive.DispatchError) {
	if c.manifest == nil {
		return env, nil
	}
	topicName := topic.Directive.String()
	var errs []directive.DispatchError
	for i, raw := range env.Directives {
		if c.manifest.Supports(topicName, string(raw.Header.Name)) {
			continue
		}
		errs = append(errs, directive.DispatchError{
			Addr: directive.Address{Topic: name, SequenceNumber: seqNum, Index: i},
			Err:  fmt.Errorf("aia: directive %q not declared in capability manifest for topic %q", raw.Header.Name, topicName),
		})
		env.Directives[i].Header.Name = ""
	}
	return env, errs
}

// applyRotateSecretDirectives collects every RotateSecret directive in env
// into one perTopicBoundaries map and calls secrets.Rotate at most once,
// so a multi-topic rotation expressed as several same-envelope
// RotateSecret directives (the payload schema carries only one topic
// each, spec.md §6) rotates atomically instead of each directive
// replacing the last one's in-flight boundary tracking.
func (c *Client) applyRotateSecretDirectives(name string, seqNum uint32, env directive.Envelope) []directive.DispatchError {
	var errs []directive.DispatchError
	boundaries := make(map[topic.Topic]uint32)
	var newKey secret.Key
	haveKey := false

	for i, raw := range env.Directives {
		if raw.Header.Name != directive.RotateSecret {
			continue
		}
		addr := directive.Address{Topic: name, SequenceNumber: seqNum, Index: i}

		var p directive.RotateSecretPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			errs = append(errs, directive.DispatchError{Addr: addr, Err: err})
			continue
		}
		t, ok := topic.Parse(p.Topic)
		if !ok {
			errs = append(errs, directive.DispatchError{Addr: addr, Err: fmt.Errorf("aia: RotateSecret names unknown topic %q", p.Topic)})
			continue
		}
		material, err := base64.StdEncoding.DecodeString(p.NewKey)
		if err != nil {
			errs = append(errs, directive.DispatchError{Addr: addr, Err: fmt.Errorf("aia: RotateSecret key decode: %w", err)})
			continue
		}
		k := secret.Key{Algorithm: secret.AESGCM128, Material: material}
		if len(material) == 32 {
			k.Algorithm = secret.AESGCM256
		}
		boundaries[t] = p.RotationSeqNum
		newKey = k
		haveKey = true
	}

	if haveKey {
		if err := c.secrets.Rotate(newKey, boundaries); err != nil {
			errs = append(errs, directive.DispatchError{
				Addr: directive.Address{Topic: name, SequenceNumber: seqNum},
				Err:  err,
			})
		}
	}
	return errs
}

// attentionAlertID is the alertschedule.Alert ID under which the
// currently-active ALERTING attention state is tracked. There is only one
// outstanding offline alert at a time (spec.md §4.5 has no alert identity
// of its own), so a single well-known ID suffices.
const attentionAlertID = "attention.alerting"

// persistAttentionAlert records in c.blobStore whether an ALERTING
// attention state is currently active, so a process restart or a
// disconnect that outlives the cloud's next SetAttentionState directive
// can still raise ux.AttentionAlerting at the right time instead of
// silently reverting to idle (internal/alertschedule's reason for being).
func (c *Client) persistAttentionAlert(state ux.AttentionState) {
	sched, err := alertschedule.Load(c.blobStore)
	if err != nil {
		c.log.Warn("aia: load alert schedule", "err", err)
		return
	}
	if state == ux.AttentionAlerting {
		sched.Add(alertschedule.Alert{ID: attentionAlertID, FireAt: time.Now()})
	} else {
		sched.Remove(attentionAlertID)
	}
	if err := alertschedule.Save(c.blobStore, sched); err != nil {
		c.log.Warn("aia: save alert schedule", "err", err)
	}
}

// restoreAttentionAlert re-raises ux.AttentionAlerting if the persisted
// alert schedule shows it was active when the process last exited,
// resuming it before any fresh SetAttentionState directive arrives.
func restoreAttentionAlert(uxMgr *ux.Manager, bs store.BlobStore, now time.Time, l *log.Logger) {
	sched, err := alertschedule.Load(bs)
	if err != nil {
		l.Warn("aia: load alert schedule", "err", err)
		return
	}
	for _, a := range sched.Due(now) {
		if a.ID == attentionAlertID {
			uxMgr.SetAttention(ux.AttentionAlerting)
			return
		}
	}
}

func parseAttentionState(s string) ux.AttentionState {
	switch s {
	case "THINKING":
		return ux.AttentionThinking
	case "ALERTING":
		return ux.AttentionAlerting
	case "DO_NOT_DISTURB":
		return ux.AttentionDoNotDisturb
	case "NOTIFICATION_AVAILABLE":
		return ux.AttentionNotificationAvailable
	default:
		return ux.AttentionIdle
	}
}
