// Package etcd registers minion agent cards under a TTL lease and discovers
// the cards of other minions, so a fleet can find its peers without going
// through the routing server.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MinionArmy/internal/models"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const cardPrefix = "/minions/"

// Registry keeps a minion's agent card alive in etcd and lists peers.
type Registry struct {
	cli *clientv3.Client
}

// NewRegistry connects to the etcd cluster.
func NewRegistry(endpoints []string) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Registry{cli: cli}, nil
}

// Register publishes the agent card under a TTL lease and keeps it alive
// until the returned stop channel is closed. A lost lease removes the card
// automatically on the etcd side.
func (r *Registry) Register(ctx context.Context, card *models.AgentCard, ttl int64) (chan<- struct{}, error) {
	value, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("marshal agent card: %w", err)
	}

	leaseResp, err := r.cli.Grant(ctx, ttl)
	if err != nil {
		return nil, err
	}
	key := cardPrefix + card.ID
	if _, err = r.cli.Put(ctx, key, string(value), clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, err
	}
	keepAliveCh, err := r.cli.KeepAlive(context.Background(), leaseResp.ID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				r.cli.Delete(context.Background(), key)
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					// Lease expired or was revoked.
					return
				}
			}
		}
	}()
	return stop, nil
}

// Discover lists every registered agent card.
func (r *Registry) Discover(ctx context.Context) ([]*models.AgentCard, error) {
	resp, err := r.cli.Get(ctx, cardPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	var cards []*models.AgentCard
	for _, kv := range resp.Kvs {
		var card models.AgentCard
		if err := json.Unmarshal(kv.Value, &card); err != nil {
			continue
		}
		cards = append(cards, &card)
	}
	return cards, nil
}

// Close closes the etcd client.
func (r *Registry) Close() error {
	return r.cli.Close()
}
