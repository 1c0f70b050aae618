package vault

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/vault/api"

	"mt5-trading-server/config"
)

// Client mirrors per-account EA api keys into a HashiCorp Vault KV v2
// engine. The database stays the source of truth; Vault is the recovery
// copy operators read when a terminal has to be re-provisioned. With
// vault disabled the client degrades to an in-memory map so the connect
// path behaves identically in development.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	local map[int64]string // account -> api key, disabled-mode fallback
}

// NewClient creates a vault client. A disabled config never dials out.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		local:  make(map[int64]string),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// Enabled reports whether writes reach a real Vault server.
func (c *Client) Enabled() bool {
	return c.config.Enabled
}

// StoreEAKey writes the api key issued to an account.
func (c *Client) StoreEAKey(ctx context.Context, accountID int64, apiKey string) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.local[accountID] = apiKey
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    apiKey,
			"account_id": strconv.FormatInt(accountID, 10),
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(accountID), secretData); err != nil {
		return fmt.Errorf("failed to store EA key in vault: %w", err)
	}
	return nil
}

// GetEAKey reads back the stored api key for an account.
func (c *Client) GetEAKey(ctx context.Context, accountID int64) (string, error) {
	if !c.config.Enabled {
		c.mu.RLock()
		key, ok := c.local[accountID]
		c.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("no EA key stored for account %d", accountID)
		}
		return key, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(accountID))
	if err != nil {
		return "", fmt.Errorf("failed to read EA key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no EA key stored for account %d", accountID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid secret format")
	}
	key, _ := data["api_key"].(string)
	if key == "" {
		return "", fmt.Errorf("no EA key stored for account %d", accountID)
	}
	return key, nil
}

// DeleteEAKey removes the stored key when an account is decommissioned.
func (c *Client) DeleteEAKey(ctx context.Context, accountID int64) error {
	c.mu.Lock()
	delete(c.local, accountID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(accountID)); err != nil {
		return fmt.Errorf("failed to delete EA key from vault: %w", err)
	}
	return nil
}

// Health checks the Vault connection. Disabled vault is always healthy.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath is the KV v2 data path for one account's key.
func (c *Client) secretPath(accountID int64) string {
	return fmt.Sprintf("%s/data/%s/%d", c.config.MountPath, c.config.SecretPath, accountID)
}

// metadataPath is the KV v2 metadata path, used for full deletes.
func (c *Client) metadataPath(accountID int64) string {
	return fmt.Sprintf("%s/metadata/%s/%d", c.config.MountPath, c.config.SecretPath, accountID)
}
