package storage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// ProviderType represents the type of storage provider
type ProviderType string

const (
	// MemoryProviderType is an in-memory storage provider
	MemoryProviderType ProviderType = "memory"

	// PostgreSQLProviderType is a PostgreSQL storage provider
	PostgreSQLProviderType ProviderType = "postgresql"
)

// StateBackendType selects where workflow state lives when it differs from the provider
type StateBackendType string

const (
	// StateBackendDefault keeps state in the provider itself
	StateBackendDefault StateBackendType = ""

	// StateBackendRedis keeps state in Redis hashes
	StateBackendRedis StateBackendType = "redis"

	// StateBackendDynamoDB keeps state in a DynamoDB table
	StateBackendDynamoDB StateBackendType = "dynamodb"
)

// RedisStateConfig contains configuration for the Redis state backend
type RedisStateConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// ProviderConfig contains configuration for storage providers
type ProviderConfig struct {
	// Type is the type of storage provider to create
	Type ProviderType

	// StateBackend optionally moves workflow state to a separate backend
	StateBackend StateBackendType

	// PostgreSQL contains configuration for the PostgreSQL provider
	PostgreSQL *PostgreSQLProviderConfig

	// Redis contains configuration for the Redis state backend
	Redis *RedisStateConfig

	// DynamoDB contains configuration for the DynamoDB state backend
	DynamoDB *DynamoDBProviderConfig
}

// NewProvider creates a new storage provider based on the configuration
func NewProvider(config ProviderConfig) (Provider, error) {
	var base Provider
	switch config.Type {
	case MemoryProviderType, "":
		base = NewMemoryProvider()

	case PostgreSQLProviderType:
		if config.PostgreSQL == nil {
			return nil, fmt.Errorf("PostgreSQL configuration is required for PostgreSQL provider")
		}
		p, err := NewPostgreSQLProvider(*config.PostgreSQL)
		if err != nil {
			return nil, err
		}
		base = p

	default:
		return nil, fmt.Errorf("unknown provider type: %s", config.Type)
	}

	switch config.StateBackend {
	case StateBackendDefault:
		return base, nil

	case StateBackendRedis:
		if config.Redis == nil {
			base.Close()
			return nil, fmt.Errorf("Redis configuration is required for the redis state backend")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		return &compositeProvider{
			Provider: base,
			state:    NewRedisStateStore(client, config.Redis.Prefix),
			init: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("failed to connect to Redis: %w", err)
				}
				return nil
			},
			close: client.Close,
		}, nil

	case StateBackendDynamoDB:
		if config.DynamoDB == nil {
			base.Close()
			return nil, fmt.Errorf("DynamoDB configuration is required for the dynamodb state backend")
		}
		client, err := NewDynamoDBClient(*config.DynamoDB)
		if err != nil {
			base.Close()
			return nil, err
		}
		store := NewDynamoDBStateStore(client, config.DynamoDB.TablePrefix)
		return &compositeProvider{Provider: base, state: store, init: store.Initialize}, nil

	default:
		base.Close()
		return nil, fmt.Errorf("unknown state backend: %s", config.StateBackend)
	}
}

// compositeProvider serves workflows and executions from one provider and state from another
type compositeProvider struct {
	Provider
	state StateStore
	init  func(ctx context.Context) error
	close func() error
}

func (p *compositeProvider) Initialize(ctx context.Context) error {
	if err := p.Provider.Initialize(ctx); err != nil {
		return err
	}
	if p.init != nil {
		if err := p.init(ctx); err != nil {
			return fmt.Errorf("failed to initialize state backend: %w", err)
		}
	}
	return nil
}

func (p *compositeProvider) Close() error {
	err := p.Provider.Close()
	if p.close != nil {
		if cerr := p.close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *compositeProvider) State() StateStore { return p.state }
