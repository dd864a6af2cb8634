// Package workerclient is the HTTP client a worker uses to talk back to
// the task service: advertise readiness, deregister, and acknowledge,
// negatively acknowledge or fail a task.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a thin HTTP client bound to one consumer registration.
type Client struct {
	BaseURL     string
	EndpointURL string
	HealthURL   string
	Topic       string

	httpClient *http.Client
}

// New creates a Client. baseURL is the task-service's API address
// (TASK_SERVICE_URL, §12).
func New(baseURL, endpointURL, healthURL, topic string) *Client {
	return &Client{
		BaseURL:     baseURL,
		EndpointURL: endpointURL,
		HealthURL:   healthURL,
		Topic:       topic,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Ready advertises one unit of capacity via PUT /consumer.
func (c *Client) Ready(ctx context.Context) error {
	return c.putJSON(ctx, "/consumer", map[string]any{
		"endpoint_url": c.EndpointURL,
		"health_url":   c.HealthURL,
		"topic":        c.Topic,
		"ready":        true,
	})
}

// Deregister removes this worker's consumer registration via DELETE /consumer.
func (c *Client) Deregister(ctx context.Context) error {
	return c.deleteJSON(ctx, "/consumer", map[string]any{
		"endpoint_url": c.EndpointURL,
	})
}

// Ack marks taskID Succeeded with output.
func (c *Client) Ack(ctx context.Context, taskID string, output map[string]any) error {
	body := map[string]any{"status_code": int(2)}
	if output != nil {
		body["output"] = output
	}
	return c.putJSON(ctx, "/task/"+taskID, body)
}

// Nack returns taskID to Queued, e.g. when local capacity raced to zero.
func (c *Client) Nack(ctx context.Context, taskID string) error {
	return c.putJSON(ctx, "/task/"+taskID, map[string]any{"status_code": int(0)})
}

// Fail marks taskID Failed with a structured status payload.
func (c *Client) Fail(ctx context.Context, taskID string, status map[string]any) error {
	body := map[string]any{"status_code": int(3)}
	if status != nil {
		body["status"] = status
	}
	return c.putJSON(ctx, "/task/"+taskID, body)
}

// UpdateState replaces taskID's state with state without changing status.
func (c *Client) UpdateState(ctx context.Context, taskID string, state map[string]any) error {
	return c.putJSON(ctx, "/task/"+taskID, map[string]any{"state": state})
}

// Reschedule returns taskID to Queued with a new scheduled_start_timestamp.
func (c *Client) Reschedule(ctx context.Context, taskID string, scheduledStart int64) error {
	return c.putJSON(ctx, "/task/"+taskID, map[string]any{
		"status_code":               int(0),
		"scheduled_start_timestamp": scheduledStart,
	})
}

// CreateTask creates a child task on topic with the given input and returns
// the decoded response body, which carries the assigned id.
func (c *Client) CreateTask(ctx context.Context, topic string, input map[string]any, workspaceID int64) (map[string]any, error) {
	body := map[string]any{
		"name":         topic,
		"input":        input,
		"workspace_id": workspaceID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("workerclient: marshal create task %s: %w", topic, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/task", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("workerclient: build create task %s: %w", topic, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerclient: create task %s: %w", topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workerclient: create task %s returned %d", topic, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("workerclient: decode created task %s: %w", topic, err)
	}
	return out, nil
}

// GetTask fetches the full task record.
func (c *Client) GetTask(ctx context.Context, taskID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/task/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerclient: get task %s: %w", taskID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workerclient: get task %s returned %d", taskID, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("workerclient: decode task %s: %w", taskID, err)
	}
	return out, nil
}

func (c *Client) putJSON(ctx context.Context, path string, body map[string]any) error {
	return c.doJSON(ctx, http.MethodPut, path, body)
}

func (c *Client) deleteJSON(ctx context.Context, path string, body map[string]any) error {
	return c.doJSON(ctx, http.MethodDelete, path, body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("workerclient: marshal %s %s: %w", method, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("workerclient: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workerclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("workerclient: %s %s returned %d", method, path, resp.StatusCode)
	}
	return nil
}
