// Package eventbus carries domain events (pick made, bid placed, turn
// advanced) between nodes over an in-memory, Redis, NATS, or Kafka
// backend. Its TxQueue buffers events raised inside a database
// transaction so they reach subscribers only after a successful
// commit; rolled-back work never announces anything.
package eventbus
