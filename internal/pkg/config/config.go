// Package config loads per-service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Relay holds the outbox relay knobs shared by every service.
type Relay struct {
	PollInterval    time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `env:"OUTBOX_BATCH_SIZE" envDefault:"10"`
	DeliveryTimeout time.Duration `env:"OUTBOX_DELIVERY_TIMEOUT" envDefault:"5s"`
}

// Targets holds the peer base URLs the relay posts events to.
type Targets struct {
	OrderBaseURL     string `env:"ORDER_SERVICE_URL" envDefault:"http://localhost:8081"`
	PaymentBaseURL   string `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8082"`
	InventoryBaseURL string `env:"INVENTORY_SERVICE_URL" envDefault:"http://localhost:8083"`
	ShippingBaseURL  string `env:"SHIPPING_SERVICE_URL" envDefault:"http://localhost:8084"`
}

// Order configures the order service, which also owns the saga log database.
type Order struct {
	Port        string `env:"PORT" envDefault:"8081"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"order-service"`
	DBPath      string `env:"ORDER_DB_PATH" envDefault:"data/order.db"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Relay       Relay
	Targets     Targets
}

// Payment configures the payment service.
type Payment struct {
	Port        string `env:"PORT" envDefault:"8082"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"payment-service"`
	DBPath      string `env:"PAYMENT_DB_PATH" envDefault:"data/payment.db"`
	SagaDBPath  string `env:"SAGA_DB_PATH" envDefault:"data/order.db"`
	Relay       Relay
	Targets     Targets
}

// Inventory configures the inventory service.
type Inventory struct {
	Port        string `env:"PORT" envDefault:"8083"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"inventory-service"`
	DBPath      string `env:"INVENTORY_DB_PATH" envDefault:"data/inventory.db"`
	SagaDBPath  string `env:"SAGA_DB_PATH" envDefault:"data/order.db"`
	Relay       Relay
	Targets     Targets
}

// Shipping configures the shipping service. The last saga stage publishes no
// events, so it runs no relay.
type Shipping struct {
	Port        string `env:"PORT" envDefault:"8084"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"shipping-service"`
	DBPath      string `env:"SHIPPING_DB_PATH" envDefault:"data/shipping.db"`
	SagaDBPath  string `env:"SAGA_DB_PATH" envDefault:"data/order.db"`
}

// Load parses cfg from the environment.
func Load[T any]() (*T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &cfg, nil
}
