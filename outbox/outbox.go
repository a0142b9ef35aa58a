// Package outbox exports chat events (posted and edited messages, read receipts) to kafka
// for downstream consumers. Export is best effort: the history store stays the source of
// truth, and a full queue drops events rather than slowing the sessions down.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"

	"github.com/yuki-scratch44/LineWeb/store"
)

const (
	KindMessage = "message"
	KindEdit    = "edit"
	KindRead    = "read"

	writeTimeout = 3 * time.Second
	maxBatch     = 64

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Event is the kafka message value.
type Event struct {
	Kind    string             `json:"kind"`
	Message *store.Message     `json:"message,omitempty"`
	Receipt *store.ReadReceipt `json:"receipt,omitempty"`
	Time    time.Time          `json:"time"`
}

func NewMessageEvent(m *store.Message) *Event {
	return &Event{Kind: KindMessage, Message: m, Time: m.CreateTime}
}

func NewEditEvent(m *store.Message) *Event {
	e := &Event{Kind: KindEdit, Message: m, Time: time.Now().UTC()}
	if m.EditTime != nil {
		e.Time = *m.EditTime
	}
	return e
}

func NewReadEvent(r *store.ReadReceipt) *Event {
	return &Event{Kind: KindRead, Receipt: r, Time: r.ReadTime}
}

// key keeps all events of one message on one partition.
func (e *Event) key() []byte {
	if e.Message != nil {
		return []byte(e.Message.ID)
	}
	if e.Receipt != nil {
		return []byte(e.Receipt.MessageID)
	}
	return nil
}

// Publisher never blocks the caller.
type Publisher interface {
	Publish(e *Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(*Event) {}

// KafkaPublisher queues events in memory and writes them in batches from `Run`.
type KafkaPublisher struct {
	writer   IKafkaWriter
	queue    chan *Event
	maxBytes int
	dropped  uint64

	minBackoff time.Duration
}

func NewKafkaPublisher(writer IKafkaWriter, queueSize, maxBytes int) *KafkaPublisher {
	return &KafkaPublisher{
		writer:     writer,
		queue:      make(chan *Event, queueSize),
		maxBytes:   maxBytes,
		minBackoff: BackoffMinInterval,
	}
}

func (p *KafkaPublisher) Publish(e *Event) {
	select {
	case p.queue <- e:
	default:
		n := atomic.AddUint64(&p.dropped, 1)
		glog.Warningf("outbox: queue full, %s event dropped (%d so far)", e.Kind, n)
	}
}

// Dropped returns the number of events lost to a full queue or encoding errors.
func (p *KafkaPublisher) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Run writes queued events until ctx is done, then flushes what is left once and
// closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	glog.Info("outbox: started")
	defer func() {
		if err := p.writer.Close(); err != nil {
			glog.Errorf("outbox: close kafka writer: %v", err)
		}
		glog.Info("outbox: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case e := <-p.queue:
			batch := p.collect(e)
			p.write(ctx, batch)
		}
	}
}

func (p *KafkaPublisher) collect(first *Event) []kafka.Message {
	batch := make([]kafka.Message, 0, maxBatch)
	if km, ok := p.encode(first); ok {
		batch = append(batch, km)
	}
	for len(batch) < maxBatch {
		select {
		case e := <-p.queue:
			if km, ok := p.encode(e); ok {
				batch = append(batch, km)
			}
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) encode(e *Event) (kafka.Message, bool) {
	value, err := json.Marshal(e)
	if err == nil && len(value) > p.maxBytes {
		err = fmt.Errorf("exceeds max limit: %d bytes", p.maxBytes)
	}
	if err != nil {
		atomic.AddUint64(&p.dropped, 1)
		glog.Errorf("outbox: drop %s event: %v", e.Kind, err)
		return kafka.Message{}, false
	}
	return kafka.Message{Key: e.key(), Value: value, Time: e.Time}, true
}

// write retries with backoff until the batch is written or ctx is done.
func (p *KafkaPublisher) write(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	var sleep time.Duration
	for {
		ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
		err := p.writer.WriteMessages(ctx2, batch...)
		cancel()
		if err == nil {
			glog.V(5).Infof("outbox: wrote %d events", len(batch))
			return
		}

		glog.Errorf("outbox: write to kafka err: %v", err)
		if ctx.Err() != nil {
			return
		}
		p.backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

func (p *KafkaPublisher) flush() {
	var batch []kafka.Message
	for {
		select {
		case e := <-p.queue:
			if km, ok := p.encode(e); ok {
				batch = append(batch, km)
			}
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		glog.Errorf("outbox: final flush of %d events: %v", len(batch), err)
	}
}

func (p *KafkaPublisher) backoff(d *time.Duration) {
	if *d == 0 {
		*d = p.minBackoff
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMaxInterval
		}
	}
}
