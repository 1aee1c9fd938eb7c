package localcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// Tables stores one Azure Table entity per key, partitioned by profile.
type Tables struct {
	client  *aztables.Client
	profile string
}

type cacheEntity struct {
	aztables.Entity
	Value string `json:"Value"`
}

// NewTables connects to table on the storage account and creates it if missing.
func NewTables(ctx context.Context, connStr, table, profile string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	client := svc.NewClient(table)
	if _, err := client.CreateTable(ctx, nil); err != nil && !hasStatus(err, http.StatusConflict) {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Tables{client: client, profile: profile}, nil
}

func (t *Tables) Read(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := t.client.GetEntity(ctx, t.profile, key, nil)
	if hasStatus(err, http.StatusNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := decodeCacheEntity(resp.Value)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *Tables) Write(ctx context.Context, key string, value []byte) error {
	data, err := encodeCacheEntity(t.profile, key, value)
	if err != nil {
		return err
	}
	_, err = t.client.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (t *Tables) Remove(ctx context.Context, key string) error {
	_, err := t.client.DeleteEntity(ctx, t.profile, key, nil)
	if hasStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (t *Tables) Close() error { return nil }

func encodeCacheEntity(profile, key string, value []byte) ([]byte, error) {
	ent := cacheEntity{
		Entity: aztables.Entity{PartitionKey: profile, RowKey: key},
		Value:  string(value),
	}
	return sonic.Marshal(ent)
}

func decodeCacheEntity(data []byte) ([]byte, error) {
	var ent cacheEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("decode cache entity: %w", err)
	}
	return []byte(ent.Value), nil
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
