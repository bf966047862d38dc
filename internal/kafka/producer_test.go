package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestProducer(buf int) (*Producer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	// nothing listens here; these tests never reach the writer
	return NewProducer([]string{"127.0.0.1:1"}, "order.status.changed", buf, zap.New(core)), logs
}

func TestProducer_BufferFullDrops(t *testing.T) {
	p, logs := newTestProducer(1)

	assert.True(t, p.Publish([]byte("o1"), []byte("{}")))
	assert.False(t, p.Publish([]byte("o2"), []byte("{}")))
	assert.Equal(t, 1, logs.FilterMessage("kafka producer buffer full, message dropped").Len())
}

func TestProducer_PublishAfterClose(t *testing.T) {
	p, logs := newTestProducer(4)
	p.Start(context.Background())

	p.Close()
	p.Close()
	p.WaitClosed()

	require.NotPanics(t, func() {
		assert.False(t, p.Publish([]byte("o1"), []byte("{}")))
	})
	assert.Equal(t, 1, logs.FilterMessage("kafka producer stopped, message dropped").Len())
}

func TestProducer_PublishAfterCancel(t *testing.T) {
	p, logs := newTestProducer(4)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	cancel()
	p.WaitClosed()

	assert.False(t, p.Publish([]byte("o1"), []byte("{}")))
	assert.Equal(t, 1, logs.FilterMessage("kafka producer stopped, message dropped").Len())
	p.Close()
}
