package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okBuilder(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	reg.Register("Custom", okBuilder)
	assert.True(t, reg.Has("custom"))
	assert.True(t, reg.Has(" CUSTOM "))
	assert.Equal(t, []string{"custom"}, reg.Names())
	assert.Equal(t, "Custom", reg.GetCapabilities("custom").Name)
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("rabbitmq", okBuilder, RabbitMQCapabilities)

	assert.True(t, reg.GetCapabilities("RabbitMQ").SupportsReliableDelivery())
	assert.Equal(t, Capabilities{Name: "missing"}, reg.GetCapabilities("missing"))
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	reg.Register("custom", okBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "custom"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistryBuildDefaultsToChannel(t *testing.T) {
	reg := NewRegistry()
	var called bool
	reg.Register("channel", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		called = true
		assert.NotNil(t, logger)
		return okBuilder(ctx, cfg, logger)
	})

	_, err := reg.Build(context.Background(), &mockConfig{}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	builderErr := errors.New("dial failed")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, builderErr
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "unknown"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.ErrorContains(t, err, "failing")

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "failing"}, nil)
	assert.ErrorIs(t, err, builderErr)
	assert.ErrorContains(t, err, "build failing transport")
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"nats", "aws", "kafka"} {
		reg.Register(name, okBuilder)
	}
	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistry(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", okBuilder, Capabilities{Name: "test-pkg-transport", SupportsAck: true})
	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-transport").SupportsAck)

	Register("test-pkg-plain", okBuilder)
	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "test-pkg-plain"}, nil)
	assert.NoError(t, err)

	_, err = Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
}
