// tail prints the chat events exported by the server outbox, a stand-in for a downstream
// consumer such as a search indexer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yuki-scratch44/LineWeb/outbox"
)

var (
	kafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "kafka brokers, ',' delimitted.")
	kafkaTopic   = flag.String("kafka-topic", "lineweb-events", "kafka topic")
	kafkaGroupID = flag.String("kafka-group", "lineweb-tail", "consumer group")
)

func main() {
	flag.Parse()

	if len(*kafkaBrokers) == 0 {
		panic("--kafka-brokers is required.")
	}

	// kafka-topics.sh --bootstrap-server localhost:9092 --topic lineweb-events --create

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(*kafkaBrokers, ","),
		Topic:    *kafkaTopic,
		GroupID:  *kafkaGroupID,
		MaxWait:  time.Second,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			}
			return
		}

		var e outbox.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			fmt.Fprintf(os.Stderr, "bad event at offset %d: %v\n", m.Offset, err)
			continue
		}
		fmt.Println(describe(&e))
	}
}

func describe(e *outbox.Event) string {
	ts := e.Time.Format(time.RFC3339)
	switch e.Kind {
	case outbox.KindMessage:
		return fmt.Sprintf("%s %s posted %s: %q", ts, e.Message.Author, e.Message.ID, e.Message.Text)
	case outbox.KindEdit:
		text := ""
		if e.Message.EditedText != nil {
			text = *e.Message.EditedText
		}
		return fmt.Sprintf("%s %s edited %s: %q", ts, e.Message.Author, e.Message.ID, text)
	case outbox.KindRead:
		return fmt.Sprintf("%s %s read %s", ts, e.Receipt.Reader, e.Receipt.MessageID)
	}
	return fmt.Sprintf("%s unknown event kind %q", ts, e.Kind)
}
