package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes fire-and-forget. Publish never blocks the caller: when
// the buffer is full, or the producer is stopping, the message is dropped
// and logged.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	done    chan struct{}
	closeCh chan struct{}
	logger  *zap.Logger

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func NewProducer(brokers []string, topic string, buf int, logger *zap.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox:   make(chan kafka.Message, buf),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
		logger:  logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.stop()
				p.drain()
				return
			case <-p.done:
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

// stop refuses further Publish calls. Once it returns nothing new can land
// in the inbox.
func (p *Producer) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.done)
	})
}

// flush sisa pesan sebelum tutup writer
func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			_ = p.w.Close()
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("kafka publish failed",
			zap.String("topic", p.w.Topic),
			zap.ByteString("key", m.Key),
			zap.Error(err),
		)
	}
}

// Publish reports false when the message was dropped.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) bool {
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.logger.Warn("kafka producer stopped, message dropped",
			zap.String("topic", p.w.Topic),
			zap.ByteString("key", key),
		)
		return false
	}
	select {
	case p.inbox <- m:
		return true
	default:
		p.logger.Warn("kafka producer buffer full, message dropped",
			zap.String("topic", p.w.Topic),
			zap.ByteString("key", key),
		)
		return false
	}
}

// Close stops accepting messages; the loop flushes what is buffered. Safe to
// call more than once.
func (p *Producer) Close() { p.stop() }

func (p *Producer) WaitClosed() { <-p.closeCh }
