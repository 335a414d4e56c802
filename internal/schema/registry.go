package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"connect/internal/config"
	"connect/internal/constants"
	"connect/pkg/errors"
	"connect/pkg/metrics"
)

// Registry is the authoritative schema source, a Confluent-compatible
// schema registry reached over HTTP.
type Registry interface {
	GetLatestSchema(ctx context.Context, subject string) (*SchemaDefinition, error)
	GetSchemaByID(ctx context.Context, id int) (string, error)
	RegisterSchema(ctx context.Context, subject, schemaJSON string) (int, error)
	Subjects(ctx context.Context) ([]string, error)
}

type RegistryClient struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
}

func NewRegistryClient(cfg config.SchemaRegistryConfig) (*RegistryClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("schema registry URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultRegistryTimeout
	}

	return &RegistryClient{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (c *RegistryClient) GetLatestSchema(ctx context.Context, subject string) (*SchemaDefinition, error) {
	url := fmt.Sprintf("%s/subjects/%s/versions/latest", c.url, subject)

	var result struct {
		ID      int    `json:"id"`
		Version int    `json:"version"`
		Schema  string `json:"schema"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		metrics.SchemaRegistryFetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.SchemaRegistryFetchesTotal.WithLabelValues("success").Inc()
	return &SchemaDefinition{
		Subject:    subject,
		Version:    result.Version,
		SchemaID:   result.ID,
		Definition: result.Schema,
		FetchedAt:  time.Now(),
	}, nil
}

func (c *RegistryClient) GetSchemaByID(ctx context.Context, id int) (string, error) {
	url := fmt.Sprintf("%s/schemas/ids/%d", c.url, id)

	var result struct {
		Schema string `json:"schema"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		metrics.SchemaRegistryFetchesTotal.WithLabelValues("error").Inc()
		return "", err
	}

	metrics.SchemaRegistryFetchesTotal.WithLabelValues("success").Inc()
	return result.Schema, nil
}

func (c *RegistryClient) RegisterSchema(ctx context.Context, subject, schemaJSON string) (int, error) {
	url := fmt.Sprintf("%s/subjects/%s/versions", c.url, subject)

	payload, err := json.Marshal(map[string]interface{}{
		"schema": schemaJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.SchemaRegistryFetchesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to register schema: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		metrics.SchemaRegistryFetchesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("schema registry returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	metrics.SchemaRegistryFetchesTotal.WithLabelValues("success").Inc()
	return result.ID, nil
}

func (c *RegistryClient) Subjects(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/subjects", c.url)

	var subjects []string
	if err := c.getJSON(ctx, url, &subjects); err != nil {
		return nil, err
	}
	return subjects, nil
}

func (c *RegistryClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch from schema registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.ErrNotFound.WithDetail("message", fmt.Sprintf("schema registry has no entry at %s", url))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("schema registry returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *RegistryClient) setHeaders(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/vnd.schemaregistry.v1+json")
}
