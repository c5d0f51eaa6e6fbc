package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// bufferCapacity is the number of messages kept while the broker is unreachable.
const bufferCapacity = 500

// Options configures a RealPublisher.
type Options struct {
	Broker   string
	ClientID string

	// OnRunStarted is called for every non-retained message on
	// TopicStationsScheduled. Nil disables the subscription.
	OnRunStarted func()

	// OnConnectionChange is called with the new state on connect and on loss.
	OnConnectionChange func(connected bool)
}

// RealPublisher publishes to an actual MQTT broker.
// Messages published while disconnected are buffered and replayed,
// oldest first, when the connection comes back.
type RealPublisher struct {
	client paho.Client
	topic  string
	opts   Options

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool
	everUp    bool
}

// NewRealPublisher creates a publisher for the given broker. It waits a short
// while for the first connection; if the broker is not up yet the client keeps
// retrying in the background and messages are buffered meanwhile.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = "flow-sensor"
	}
	p := &RealPublisher{
		topic:  Topic,
		opts:   opts,
		buffer: newRingBuffer(bufferCapacity),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(clientOpts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Warnf("mqtt: %s not reachable yet, buffering until connected", opts.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	reconnect := p.everUp
	p.everUp = true
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	log.Infof("mqtt: connected to %s", p.opts.Broker)
	if p.opts.OnConnectionChange != nil {
		p.opts.OnConnectionChange(true)
	}

	if p.opts.OnRunStarted != nil {
		t := c.Subscribe(TopicStationsScheduled, 1, runStartedHandler(p.opts.OnRunStarted))
		go watchSubscribe(TopicStationsScheduled, t)
	}

	if len(pending) > 0 {
		log.Infof("mqtt: replaying %d buffered messages", len(pending))
	}
	for _, m := range pending {
		// Waiting on a token inside the connect handler would deadlock.
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		c.Publish(TopicSystem, 1, true, payload)
	}
}

// watchSubscribe waits for a subscription to be acknowledged and logs a
// rejection. It must not run on the connect handler's goroutine.
func watchSubscribe(topic string, t paho.Token) error {
	if t.Wait() && t.Error() != nil {
		log.Warnf("mqtt: subscribe %s failed: %v", topic, t.Error())
		return t.Error()
	}
	return nil
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	log.Warnf("mqtt: connection lost: %v", err)
	if p.opts.OnConnectionChange != nil {
		p.opts.OnConnectionChange(false)
	}
}

// runStartedHandler triggers fn for live messages only; a retained message
// delivered on subscribe describes a run that has already been handled.
func runStartedHandler(fn func()) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		if m.Retained() {
			log.Debugf("mqtt: ignoring retained message on %s", m.Topic())
			return
		}
		log.Infof("mqtt: run started notification on %s", m.Topic())
		fn()
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Publish sends a reading to the MQTT broker.
func (p *RealPublisher) Publish(r flow.Reading) error {
	payload, err := FormatPayload(r)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), retained so new subscribers see the latest values
	return p.publish(p.topic, 0, true, payload)
}

// PublishRun sends the totals of a finished run to the MQTT broker.
func (p *RealPublisher) PublishRun(run flow.RunSummary) error {
	payload, err := FormatRunPayload(run)
	if err != nil {
		return fmt.Errorf("format run payload: %w", err)
	}
	return p.publish(TopicRuns, 1, false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
