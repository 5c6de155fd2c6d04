package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lke-infra/vlanctl/internal/coordstore"
)

type Client struct {
	etcd *clientv3.Client
}

var _ coordstore.Store = (*Client)(nil)

func NewClient(ctx context.Context, endpoints []string, dialTimeout time.Duration) (*Client, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Client{etcd: clnt}, nil
}

func (c *Client) Close() error {
	return c.etcd.Close()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.etcd.KV.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", coordstore.ErrKeyNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (c *Client) List(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := c.etcd.KV.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
	}
	return result, nil
}

func (c *Client) Put(ctx context.Context, key, value string) error {
	_, err := c.etcd.KV.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (c *Client) Create(ctx context.Context, key, value string) (bool, error) {
	resp, err := c.etcd.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
	).Then(
		clientv3.OpPut(key, value),
	).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", key, err)
	}
	return resp.Succeeded, nil
}

func (c *Client) CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error) {
	resp, err := c.etcd.Txn(ctx).If(
		clientv3.Compare(clientv3.Value(key), "=", prev),
	).Then(
		clientv3.OpPut(key, next),
	).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap %s: %w", key, err)
	}
	return resp.Succeeded, nil
}

func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := c.etcd.KV.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return resp.Deleted > 0, nil
}
