package eightsleep

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// commandHeatingDuration is how long a level set over MQTT keeps the side
// running. Matches the vendor app's "until I wake up" preset.
const commandHeatingDuration = 3 * 60 * 60

// mqttConn is the slice of an MQTT session the publisher needs. Production
// uses a paho connection; tests substitute an in-memory fake.
type mqttConn interface {
	publish(topic string, payload []byte, retain bool) error
	subscribe(topic string, cb func([]byte)) (func(), error)
	close()
}

type pahoConn struct {
	client mqtt.Client
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

func dialMQTT(broker string) (*pahoConn, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(randomClientID())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	conn := &pahoConn{subs: make(map[string]map[int]func([]byte))}
	opts.SetDefaultPublishHandler(conn.dispatch)
	opts.OnConnect = func(_ mqtt.Client) {
		conn.resubscribeAll()
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	conn.client = client
	return conn, nil
}

func (c *pahoConn) publish(topic string, payload []byte, retain bool) error {
	if token := c.client.Publish(topic, 0, retain, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *pahoConn) subscribe(topic string, cb func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	id := c.nextID
	c.nextID++
	c.subs[topic][id] = cb
	needSubscribe := len(c.subs[topic]) == 1
	c.mu.Unlock()

	if needSubscribe {
		if token := c.client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
			return nil, token.Error()
		}
	}

	return func() {
		c.mu.Lock()
		callbacks := c.subs[topic]
		if callbacks == nil {
			c.mu.Unlock()
			return
		}
		delete(callbacks, id)
		shouldUnsub := len(callbacks) == 0
		if shouldUnsub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if shouldUnsub {
			_ = c.client.Unsubscribe(topic).Wait()
		}
	}, nil
}

func (c *pahoConn) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	callbacks := c.subs[msg.Topic()]
	list := make([]func([]byte), 0, len(callbacks))
	for _, cb := range callbacks {
		list = append(list, cb)
	}
	c.mu.Unlock()
	for _, cb := range list {
		cb(msg.Payload())
	}
}

func (c *pahoConn) resubscribeAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		_ = c.client.Subscribe(topic, 0, nil).Wait()
	}
}

func (c *pahoConn) close() {
	c.client.Disconnect(250)
}

func randomClientID() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return "eightsleep-" + base64.RawURLEncoding.EncodeToString(nonce)
}

// Publisher mirrors bed state to MQTT after each device poll and accepts
// target-level commands on a set topic. State messages are retained so a
// consumer joining late still sees the latest snapshot.
type Publisher struct {
	client *Client
	conn   mqttConn
	prefix string

	mu     sync.Mutex
	unsubs []func()
}

// NewPublisher connects to the broker (tcp://host:port or ssl://host:port)
// and returns a publisher rooted at the given topic prefix.
func NewPublisher(client *Client, broker, prefix string) (*Publisher, error) {
	conn, err := dialMQTT(broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return newPublisher(client, conn, prefix), nil
}

func newPublisher(client *Client, conn mqttConn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "eightsleep"
	}
	return &Publisher{client: client, conn: conn, prefix: strings.TrimRight(prefix, "/")}
}

type sideStateMessage struct {
	Level    *int   `json:"level"`
	Target   *int   `json:"target"`
	Heating  bool   `json:"heating"`
	Cooling  bool   `json:"cooling"`
	Presence bool   `json:"presence"`
	LastSeen string `json:"last_seen,omitempty"`
}

type deviceStatusMessage struct {
	Online   *bool    `json:"online"`
	Pod      bool     `json:"pod"`
	RoomTemp *float64 `json:"room_temp,omitempty"`
}

// PublishState publishes one user's side state, retained, under
// <prefix>/<device>/<side>/state.
func (p *Publisher) PublishState(user *User) error {
	msg := sideStateMessage{
		Level:    user.HeatingLevel(),
		Target:   user.TargetHeatingLevel(),
		Heating:  user.NowHeating(),
		Cooling:  user.NowCooling(),
		Presence: user.BedPresence(),
	}
	if seen := user.LastSeen(); seen != nil {
		msg.LastSeen = seen.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/%s/%s/state", p.prefix, p.client.DeviceID(), user.Side)
	return p.conn.publish(topic, payload, true)
}

// PublishStatus publishes one retained status message per paired device
// under <prefix>/<device>/status.
func (p *Publisher) PublishStatus() error {
	for _, id := range p.client.DeviceIDs() {
		device := p.client.Device(id)
		if device == nil {
			continue
		}
		msg := deviceStatusMessage{
			Online: device.Online,
			Pod:    device.IsPod(),
		}
		if id == p.client.DeviceID() {
			msg.RoomTemp = p.client.RoomTemperature()
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := p.conn.publish(fmt.Sprintf("%s/%s/status", p.prefix, id), payload, true); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeCommands listens on <prefix>/<device>/<side>/target/set for each
// tracked user. The payload is a bare integer level; the heating duration is
// fixed. Must be called after Start so the side assignments exist.
func (p *Publisher) SubscribeCommands(ctx context.Context) error {
	deviceID := p.client.DeviceID()
	if deviceID == "" {
		return fmt.Errorf("mqtt commands: client not started")
	}
	for _, user := range p.client.Users() {
		user := user
		topic := fmt.Sprintf("%s/%s/%s/target/set", p.prefix, deviceID, user.Side)
		unsub, err := p.conn.subscribe(topic, func(payload []byte) {
			p.handleSetTarget(ctx, user, payload)
		})
		if err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
		p.mu.Lock()
		p.unsubs = append(p.unsubs, unsub)
		p.mu.Unlock()
	}
	return nil
}

func (p *Publisher) handleSetTarget(ctx context.Context, user *User, payload []byte) {
	level, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		log.Printf("eightsleep: mqtt set-target for %s side: bad payload %q", user.Side, payload)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := user.SetHeatingLevel(callCtx, level, commandHeatingDuration); err != nil {
		log.Printf("eightsleep: mqtt set-target for %s side failed: %v", user.Side, err)
	}
}

// Close drops the command subscriptions and disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	p.conn.close()
}
