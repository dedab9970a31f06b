// Command aiadevice is a reference wiring of the Aia client library onto a
// real PortAudio playback device. It has no MQTT broker to talk to in this
// tree (no MQTT client library exists anywhere in this module's dependency
// set), so the "cloud" side is a transport.Memory peer that only answers
// the Connect handshake; everything past that (directives, speaker audio)
// is exercised by the package's own tests against the same transport
// double, not by this binary.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"aia"
	"aia/connection"
	"aia/internal/config"
	"aia/secret"
	"aia/store"
	"aia/topic"
	"aia/transport"
	"aia/ux"
)

func main() {
	var (
		clientID   = pflag.StringP("client-id", "c", "", "IoT client id. Defaults to the persisted profile's, or a generated one.")
		apiVersion = pflag.StringP("api-version", "a", "", "Directive API version. Defaults to the persisted profile's.")
		topicRoot  = pflag.StringP("topic-root", "r", "", "Device topic root. Defaults to the persisted profile's.")
		keyHex     = pflag.StringP("key", "k", "", "Hex-encoded 16 or 32 byte AES-GCM key to install at startup. Random if omitted.")
		manifest   = pflag.StringP("manifest", "m", "", "Path to a capability manifest YAML file. Incoming directives naming a directive not declared there are rejected. Optional.")
		verbose    = pflag.BoolP("verbose", "v", false, "Debug-level logging.")
		help       = pflag.BoolP("help", "h", false, "Display help text.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "aiadevice - reference Aia client wiring against a local PortAudio sink.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: aiadevice [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	l := log.New(os.Stderr)
	if *verbose {
		l.SetLevel(log.DebugLevel)
	}

	profile := config.Load()
	if *clientID != "" {
		profile.ClientID = *clientID
	}
	if profile.ClientID == "" {
		profile.ClientID = uuid.NewString()
	}
	if *apiVersion != "" {
		profile.APIVersion = *apiVersion
	}
	if *topicRoot != "" {
		profile.TopicRoot = *topicRoot
	}
	if profile.TopicRoot == "" {
		profile.TopicRoot = "devices/" + profile.ClientID
	}
	if err := config.Save(profile); err != nil {
		l.Warn("aiadevice: could not persist profile", "err", err)
	}

	if err := portaudio.Initialize(); err != nil {
		l.Fatal("aiadevice: portaudio init", "err", err)
	}
	defer portaudio.Terminate()

	out, err := newPlaybackSink(l)
	if err != nil {
		l.Fatal("aiadevice: open playback stream", "err", err)
	}
	defer out.Close()

	key, err := resolveKey(*keyHex)
	if err != nil {
		l.Fatal("aiadevice: key material", "err", err)
	}

	var capManifest *config.Manifest
	if *manifest != "" {
		m, err := config.LoadManifest(*manifest)
		if err != nil {
			l.Fatal("aiadevice: load capability manifest", "err", err)
		}
		capManifest = &m
	}

	bus := transport.NewBus()
	device := transport.NewMemory()
	cloud := transport.NewMemory()
	bus.Join(device)
	bus.Join(cloud)

	bs := store.NewMemory()
	if err := bs.Store(store.AiaTopicRootKey, []byte(profile.TopicRoot)); err != nil {
		l.Fatal("aiadevice: persist topic root", "err", err)
	}

	client, err := aia.New(aia.Config{
		ClientID:   profile.ClientID,
		APIVersion: profile.APIVersion,
		Transport:  device,
		Store:      bs,
		InitialKey: &key,
		Manifest:   capManifest,

		SpeakerBufferSize:        uint64(profile.SpeakerBufferSize),
		OverrunWarningThreshold:  uint64(profile.OverrunWarningThreshold),
		UnderrunWarningThreshold: uint64(profile.UnderrunWarningThreshold),
		PlaySpeakerData:          out.play,
		SetVolume:                out.setVolume,
		SpeakerFrameSize:         out.frameBytes(),
		SpeakerFrameInterval:     out.frameInterval(),

		OnUXStateChange: func(s ux.State) {
			l.Info("ux state", "state", s.String())
		},
		OnConnectionSuccess: func() {
			l.Info("connected")
		},
		OnConnectionRejected: func(code, description string) {
			l.Error("connection rejected", "code", code, "description", description)
		},
		OnDisconnected: func(code connection.DisconnectCode) {
			l.Warn("disconnected", "code", string(code))
		},

		ConnectTimeout:    profile.ConnectTimeout,
		DisconnectTimeout: profile.DisconnectTimeout,
		MaxBackoffMs:      profile.MaxBackoffMs,

		Logger: l,
	})
	if err != nil {
		l.Fatal("aiadevice: construct client", "err", err)
	}
	defer client.Close()

	// Simulate the cloud's half of the Connect handshake: any connect
	// request the device publishes is immediately acknowledged.
	connectTopic := topic.FullName(client.TopicRoot(), topic.ConnectionFromDevice)
	ackTopic := topic.FullName(client.TopicRoot(), topic.ConnectionFromService)
	cloud.Subscribe(connectTopic, func(_ string, payload []byte) {
		var req struct {
			ConnectMessageId string `json:"connectMessageId"`
		}
		_ = json.Unmarshal(payload, &req)
		ack, _ := json.Marshal(map[string]string{
			"connectMessageId": req.ConnectMessageId,
			"code":             "OK",
		})
		_ = cloud.Publish(ackTopic, ack)
	})

	if err := client.Connect(); err != nil {
		l.Fatal("aiadevice: connect", "err", err)
	}

	l.Info("aiadevice ready", "client_id", profile.ClientID, "topic_root", profile.TopicRoot)
	runREPL(l)
}

func resolveKey(hexMaterial string) (secret.Key, error) {
	if hexMaterial == "" {
		material := make([]byte, 16)
		if _, err := rand.Read(material); err != nil {
			return secret.Key{}, err
		}
		return secret.Key{Algorithm: secret.AESGCM128, Material: material}, nil
	}
	raw, err := base64OrHexDecode(hexMaterial)
	if err != nil {
		return secret.Key{}, err
	}
	switch len(raw) {
	case 16:
		return secret.Key{Algorithm: secret.AESGCM128, Material: raw}, nil
	case 32:
		return secret.Key{Algorithm: secret.AESGCM256, Material: raw}, nil
	default:
		return secret.Key{}, fmt.Errorf("key must be 16 or 32 bytes, got %d", len(raw))
	}
}

func base64OrHexDecode(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// runREPL blocks reading stdin until "quit"/"exit", keeping the process
// (and its playback stream and connection) alive. A real device loop would
// drive this from its own event sources instead of a terminal.
func runREPL(l *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type 'quit' to exit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" {
			return
		}
		if line == "" {
			continue
		}
		l.Info("aiadevice: unrecognized command", "line", line)
	}
}

// playbackSink wraps a PortAudio output stream as the speaker.Manager's
// PlaySpeakerData/SetVolume sink, grounded on the teacher's AudioEngine
// playback path (_examples/rustyguts-bken/client/audio.go): open once at a fixed sample rate
// and channel count, write whatever PCM bytes arrive, scaled by volume.
type playbackSink struct {
	stream *portaudio.Stream
	buf    []int16
	volume float64
}

const (
	sinkSampleRate = 16000
	sinkChannels   = 1
	sinkFrameMs    = 20
)

func newPlaybackSink(l *log.Logger) (*playbackSink, error) {
	frames := sinkSampleRate * sinkFrameMs / 1000
	s := &playbackSink{buf: make([]int16, frames), volume: 1.0}
	stream, err := portaudio.OpenDefaultStream(0, sinkChannels, float64(sinkSampleRate), frames, s.buf)
	if err != nil {
		return nil, err
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		return nil, err
	}
	l.Info("playback stream opened", "sample_rate", sinkSampleRate, "frame_ms", sinkFrameMs)
	return s, nil
}

func (s *playbackSink) frameBytes() int {
	return len(s.buf) * 2
}

func (s *playbackSink) frameInterval() time.Duration {
	return sinkFrameMs * time.Millisecond
}

// play receives little-endian 16-bit PCM from the speaker ring buffer and
// writes it (volume-scaled) to the output stream, padding short frames
// with silence so the stream's fixed-size buffer is always fully written.
func (s *playbackSink) play(pcm []byte) {
	n := len(pcm) / 2
	if n > len(s.buf) {
		n = len(s.buf)
	}
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		s.buf[i] = int16(float64(sample) * s.volume)
	}
	for i := n; i < len(s.buf); i++ {
		s.buf[i] = 0
	}
	_ = s.stream.Write()
}

func (s *playbackSink) setVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.volume = v
}

func (s *playbackSink) Close() error {
	s.stream.Stop()
	return s.stream.Close()
}
