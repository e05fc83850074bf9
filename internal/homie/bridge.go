// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package homie publishes the spa state over MQTT following the Homie
// convention and forwards settable properties to the engine
package homie

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// Spa is the part of the engine the bridge uses
type Spa interface {
	State() *spa.DeviceState
	ConnectionStatus() spa.ConnectionStatus
	SubscribeStateChanges(fn func(spa.StateChange)) func()
	SubscribeConnectionStatus(fn func(spa.ConnectionStatus)) func()
	SetTargetTemperature(celsius float64) (*spa.Handle, error)
	SetMode(mode balboa.HeatMode) (*spa.Handle, error)
	SetPump(n int, speed uint8) (*spa.Handle, error)
	SetLight(n int, on bool) (*spa.Handle, error)
}

// Publisher is satisfied by mqtt.Client
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ErrUnknownProperty is returned for a command on a property that is not
// settable
var ErrUnknownProperty = errors.New("homie: property not settable")

// Options configures the bridge
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	DeviceID string
	Name     string
	Logger   zerolog.Logger
}

// Bridge mirrors one engine onto MQTT
type Bridge struct {
	spa    Spa
	topics Topics
	name   string
	log    zerolog.Logger

	mu  sync.Mutex
	pub Publisher

	unsubs []func()
}

// New creates a bridge publishing through pub
func New(s Spa, pub Publisher, topics Topics, name string, log zerolog.Logger) *Bridge {
	return &Bridge{
		spa:    s,
		pub:    pub,
		topics: topics,
		name:   name,
		log:    log.With().Str("component", "homie").Logger(),
	}
}

// ClientOptions returns paho options with the last will set to $state
// lost. onConnect runs after every (re)connection.
func ClientOptions(opts Options, onConnect mqtt.OnConnectHandler) *mqtt.ClientOptions {
	topics := Topics{Prefix: opts.Prefix, Device: opts.DeviceID}
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetWill(topics.Attribute("state"), StateLost, 1, true)
	o.SetOnConnectHandler(onConnect)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		opts.Logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	return o
}

// Connect dials the broker and starts mirroring. The engine may already
// be running.
func Connect(s Spa, opts Options) (*Bridge, mqtt.Client) {
	topics := Topics{Prefix: opts.Prefix, Device: opts.DeviceID}
	b := New(s, nil, topics, opts.Name, opts.Logger)

	client := mqtt.NewClient(ClientOptions(opts, func(c mqtt.Client) {
		b.log.Info().Str("broker", opts.Broker).Msg("Connected to MQTT broker")
		if token := c.Subscribe(topics.SetFilter(), 1, b.onMessage); token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.log.Error().Err(token.Error()).Msg("Subscribe failed")
		}
		b.Announce()
	}))
	b.setPublisher(client)

	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		// Retries continue in the background
		b.log.Warn().Err(token.Error()).Msg("Could not connect to MQTT, retrying")
	}
	b.Start()
	return b, client
}

func (b *Bridge) setPublisher(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pub = p
}

// Start subscribes to the engine
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.spa.SubscribeStateChanges(b.onStateChange),
		b.spa.SubscribeConnectionStatus(b.onConnectionStatus),
	)
}

// Stop unsubscribes and marks the device disconnected
func (b *Bridge) Stop() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.publish(b.topics.Attribute("state"), StateDisconnected)
}

// Announce publishes the description, the state and every known value
func (b *Bridge) Announce() {
	snap := b.spa.State()
	b.publish(b.topics.Attribute("state"), StateInit)
	b.describe(snap.Config)
	b.publishAll(b.topics.Values(snap, nil))
	b.publish(b.topics.Attribute("state"), DeviceState(b.spa.ConnectionStatus()))
}

func (b *Bridge) describe(cfg *balboa.ConfigurationInfo) {
	b.publishAll(b.topics.Description(b.name, cfg))
}

func (b *Bridge) onStateChange(c spa.StateChange) {
	if c.Diff.Has(spa.FieldConfig) {
		b.describe(c.State.Config)
		b.publishAll(b.topics.Values(c.State, nil))
		return
	}
	b.publishAll(b.topics.Values(c.State, c.Diff))
}

func (b *Bridge) onConnectionStatus(s spa.ConnectionStatus) {
	b.publish(b.topics.Attribute("state"), DeviceState(s))
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	id, ok := b.topics.ParseSet(msg.Topic())
	if !ok {
		return
	}
	payload := string(msg.Payload())
	if err := b.HandleSet(id, payload); err != nil {
		b.log.Warn().Err(err).Str("property", id).Str("value", payload).Msg("Rejected command")
	}
}

// HandleSet applies a command to a settable property
func (b *Bridge) HandleSet(id, payload string) error {
	payload = strings.TrimSpace(payload)
	b.log.Info().Str("property", id).Str("value", payload).Msg("Command received")

	var err error
	switch {
	case id == "set_temperature":
		v, perr := strconv.ParseFloat(payload, 64)
		if perr != nil {
			return fmt.Errorf("invalid temperature %q: %w", payload, perr)
		}
		_, err = b.spa.SetTargetTemperature(v)

	case id == "heat_mode":
		var mode balboa.HeatMode
		switch strings.ToLower(payload) {
		case "ready":
			mode = balboa.HeatModeReady
		case "rest":
			mode = balboa.HeatModeRest
		default:
			return fmt.Errorf("%w: %q", spa.ErrInvalidMode, payload)
		}
		_, err = b.spa.SetMode(mode)

	case strings.HasPrefix(id, "pump"):
		n, perr := strconv.Atoi(strings.TrimPrefix(id, "pump"))
		if perr != nil {
			return fmt.Errorf("%w: %s", ErrUnknownProperty, id)
		}
		speed, perr := strconv.ParseUint(payload, 10, 8)
		if perr != nil {
			return fmt.Errorf("invalid pump speed %q: %w", payload, perr)
		}
		_, err = b.spa.SetPump(n, uint8(speed))

	case strings.HasPrefix(id, "light"):
		n, perr := strconv.Atoi(strings.TrimPrefix(id, "light"))
		if perr != nil {
			return fmt.Errorf("%w: %s", ErrUnknownProperty, id)
		}
		on, perr := strconv.ParseBool(payload)
		if perr != nil {
			return fmt.Errorf("invalid light value %q: %w", payload, perr)
		}
		_, err = b.spa.SetLight(n, on)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}
	return err
}

func (b *Bridge) publishAll(msgs []Message) {
	for _, m := range msgs {
		b.publish(m.Topic, m.Payload)
	}
}

func (b *Bridge) publish(topic, payload string) {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return
	}
	token := pub.Publish(topic, 1, true, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		b.log.Warn().Err(token.Error()).Str("topic", topic).Msg("Publish failed")
	}
}
