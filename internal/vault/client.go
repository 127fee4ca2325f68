// Package vault fetches exchange API credentials from HashiCorp Vault so
// live keys never sit in config files or environment variables.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"perp-trading-bot/config"
)

var ErrNotFound = errors.New("credentials not found in vault")

// Credentials are the exchange API credentials stored at the configured
// KV v2 secret path.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet"`
}

// Client wraps the Vault API client. When Vault is disabled it degrades to
// an in-memory store, which tests and local development use.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// GetCredentials reads the exchange credentials, serving repeat calls from
// cache.
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return nil, ErrNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", c.dataPath())
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Testnet:   getBool(data, "testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes the exchange credentials to Vault (or the local
// cache when disabled).
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()

	if !c.cfg.Enabled {
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"testnet":    creds.Testnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), payload); err != nil {
		return fmt.Errorf("write credentials to vault: %w", err)
	}
	return nil
}

// InvalidateCache drops the cached credentials, forcing a re-read after a
// key rotation.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Enabled reports whether a real Vault backend is configured.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// Health verifies the Vault connection and seal status.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
