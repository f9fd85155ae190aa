package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange  = "ledger_events"
	routingKeyPrefix = "ledger.event."
	amqpDialTimeout  = 10 * time.Second
	amqpContentType  = "application/json"
	amqpExchangeKind = "topic"
)

// AMQPSink publishes ledger events to a durable topic exchange. Delivery is
// best-effort by contract: a failed publish gets one channel reopen and one
// retry, then the error goes back to the notifier to be counted and logged.
type AMQPSink struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewAMQPSink(amqpURL, exchange string) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = defaultExchange
	}

	// Bounded dial timeout so startup does not hang on a dead broker.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, amqpExchangeKind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPSink{conn: conn, channel: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Append(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := routingKeyPrefix + string(e.Direction)
	pub := amqp091.Publishing{
		ContentType: amqpContentType,
		Timestamp:   e.CreatedAt,
		MessageId:   e.EventID,
		Body:        body,
	}

	err = s.channel.PublishWithContext(ctx, s.exchange, key, false, false, pub)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=txlog_amqp msg=\"publish failed; reopening channel\" routing_key=%s err=%v", key, err)
	if s.conn == nil {
		return err
	}
	ch, chErr := s.conn.Channel()
	if chErr != nil {
		return err
	}
	s.channel = ch
	if exErr := s.channel.ExchangeDeclare(s.exchange, amqpExchangeKind, true, false, false, false, nil); exErr != nil {
		return exErr
	}
	return s.channel.PublishWithContext(ctx, s.exchange, key, false, false, pub)
}

func (s *AMQPSink) Close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
