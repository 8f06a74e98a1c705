package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080, TimeoutSeconds: 60},
		Store:     config.StoreConfig{Provider: "memory"},
		Queue:     config.QueueConfig{Provider: "memory", Depth: 16, MaxAttempts: 3},
		Results:   config.ResultsConfig{Provider: "memory"},
		Retention: config.RetentionConfig{TTLHours: 720},
	}
}

func TestNewWiresMemoryProviders(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Store())
	require.NotNil(t, a.Queue())
	require.NotNil(t, a.Results())
	require.NotNil(t, a.Clock())
	require.NotNil(t, a.IDGen())

	require.NoError(t, a.Store().Ping(context.Background()))
	require.NoError(t, a.Queue().Ping(context.Background()))
}

func TestNewRejectsUnknownStoreProvider(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Store.Provider = "cassandra"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown store provider")
}

func TestNewRejectsUnknownQueueProvider(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Queue.Provider = "rabbitmq"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown queue provider")
}

func TestCloseReleasesServices(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	a.Close()

	err = a.Queue().Ping(context.Background())
	require.Error(t, err)
}
