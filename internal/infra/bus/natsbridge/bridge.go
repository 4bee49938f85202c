// Package natsbridge forwards canonical bus events onto NATS subjects.
package natsbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/bus/eventbus"
	"github.com/coachpo/meltica-md/internal/observability"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "meltica.md"

// Publisher is the subset of *nats.Conn used by the bridge.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge subscribes to every event type on the bus and republishes each event as JSON.
type Bridge struct {
	bus    eventbus.Bus
	pub    Publisher
	prefix string
	logger observability.Logger

	mu   sync.Mutex
	subs []eventbus.SubscriptionID
	wg   sync.WaitGroup
}

// Connect dials NATS and returns the connection for use as a Publisher.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// New constructs a bridge. An empty prefix falls back to DefaultSubjectPrefix.
func New(bus eventbus.Bus, pub Publisher, prefix string, logger observability.Logger) *Bridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Bridge{
		bus:    bus,
		pub:    pub,
		prefix: prefix,
		logger: observability.OrDefault(logger),
	}
}

// Start attaches to the bus. Forwarding stops when ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	if b.bus == nil || b.pub == nil {
		return fmt.Errorf("natsbridge: bus and publisher required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, typ := range schema.EventTypes() {
		id, ch, err := b.bus.Subscribe(ctx, typ)
		if err != nil {
			for _, sub := range b.subs {
				b.bus.Unsubscribe(sub)
			}
			b.subs = nil
			return fmt.Errorf("natsbridge: subscribe %s: %w", typ, err)
		}
		b.subs = append(b.subs, id)
		b.wg.Add(1)
		go b.forward(ch)
	}
	return nil
}

// Stop detaches from the bus and waits for in-flight forwards.
func (b *Bridge) Stop() {
	b.mu.Lock()
	for _, id := range b.subs {
		b.bus.Unsubscribe(id)
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) forward(ch <-chan *schema.Event) {
	defer b.wg.Done()
	for evt := range ch {
		if evt == nil {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			b.logger.Warn("natsbridge: encode event failed", observability.F("type", evt.Type), observability.Err(err))
			continue
		}
		subject := Subject(b.prefix, evt)
		if err := b.pub.Publish(subject, data); err != nil {
			b.logger.Warn("natsbridge: publish failed", observability.F("subject", subject), observability.Err(err))
		}
	}
}

// Subject maps an event to "<prefix>.<type>.<instrument>". Dots inside the instrument id
// become underscores so that the id stays a single subject token.
func Subject(prefix string, evt *schema.Event) string {
	typ := strings.ToLower(string(evt.Type))
	instrument := strings.ReplaceAll(string(evt.Instrument), ".", "_")
	if instrument == "" {
		instrument = "_"
	}
	return prefix + "." + typ + "." + instrument
}
