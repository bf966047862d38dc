// Package testsuite starts throwaway Postgres, Redis and Kafka containers for
// integration suites. Each suite starts only what it needs.
package testsuite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

type BaseSuite struct {
	suite.Suite
	PgContainer    *postgres.PostgresContainer
	RedisContainer *tcredis.RedisContainer
	KafkaContainer *kafka.KafkaContainer
	DbPool         *pgxpool.Pool
	Redis          *redis.Client
	KafkaBrokers   []string
	Ctx            context.Context
}

// SkipIfShort skips the whole suite under go test -short.
func (s *BaseSuite) SkipIfShort() {
	if testing.Short() {
		s.T().Skip("integration suite skipped in -short mode")
	}
}

// SetupPostgres starts Postgres and applies the migrations found at
// migrationsRelPath, relative to the calling package.
func (s *BaseSuite) SetupPostgres(migrationsRelPath string) {
	s.ensureCtx()

	var err error
	s.PgContainer, err = postgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.PgContainer.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	absPath, err := filepath.Abs(migrationsRelPath)
	s.Require().NoError(err)

	sourceURL := "file://" + absPath
	s.T().Logf("running migrations from %s", sourceURL)

	m, err := migrate.New(sourceURL, connStr)
	s.Require().NoError(err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		s.Require().NoError(err)
	}

	s.DbPool, err = pgxpool.New(s.Ctx, connStr)
	s.Require().NoError(err)
}

func (s *BaseSuite) SetupRedis() {
	s.ensureCtx()

	var err error
	s.RedisContainer, err = tcredis.Run(s.Ctx, "redis:7-alpine")
	s.Require().NoError(err)

	uri, err := s.RedisContainer.ConnectionString(s.Ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(uri)
	s.Require().NoError(err)

	s.Redis = redis.NewClient(opts)
	s.Require().NoError(s.Redis.Ping(s.Ctx).Err())
}

func (s *BaseSuite) SetupKafka() {
	s.ensureCtx()

	var err error
	s.KafkaContainer, err = kafka.Run(
		s.Ctx,
		"confluentinc/cp-kafka:7.5.0",
		kafka.WithClusterID("test-cluster"),
	)
	s.Require().NoError(err)

	s.KafkaBrokers, err = s.KafkaContainer.Brokers(s.Ctx)
	s.Require().NoError(err)
}

// CreateTopic creates topic through the cluster controller so producers do not
// depend on broker-side auto creation.
func (s *BaseSuite) CreateTopic(topic string, partitions int) {
	s.Require().NotEmpty(s.KafkaBrokers, "SetupKafka first")

	conn, err := kafkago.DialContext(s.Ctx, "tcp", s.KafkaBrokers[0])
	s.Require().NoError(err)
	defer conn.Close()

	controller, err := conn.Controller()
	s.Require().NoError(err)

	cc, err := kafkago.DialContext(s.Ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	s.Require().NoError(err)
	defer cc.Close()

	s.Require().NoError(cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}))
}

func (s *BaseSuite) TearDownInfrastructure() {
	if s.DbPool != nil {
		s.DbPool.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.PgContainer != nil {
		s.terminate("postgres", s.PgContainer)
	}
	if s.RedisContainer != nil {
		s.terminate("redis", s.RedisContainer)
	}
	if s.KafkaContainer != nil {
		s.terminate("kafka", s.KafkaContainer)
	}
}

func (s *BaseSuite) terminate(name string, c testcontainers.Container) {
	if err := c.Terminate(s.Ctx); err != nil {
		s.T().Logf("failed to terminate %s container: %v", name, err)
	}
}

func (s *BaseSuite) TruncateTable(tableNames ...string) {
	for _, t := range tableNames {
		_, err := s.DbPool.Exec(s.Ctx, fmt.Sprintf("TRUNCATE %s CASCADE", t))
		s.Require().NoError(err)
	}
}

func (s *BaseSuite) ensureCtx() {
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}
}
