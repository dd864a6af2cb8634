package taskstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// joinClient asks a running leader's HTTP control API to add this node as
// a Raft voter. It is deliberately minimal: one request, no retries — the
// caller (cmd binary) is expected to retry the whole Join() call on
// startup if the leader isn't up yet.
type joinClient struct {
	baseURL string
}

type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// requestJoin POSTs to the leader's /cluster/join endpoint.
func (c *joinClient) requestJoin(nodeID, bindAddr string) error {
	body, err := json.Marshal(joinRequest{NodeID: nodeID, Address: bindAddr})
	if err != nil {
		return fmt.Errorf("join: marshal request: %w", err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(c.baseURL+"/cluster/join", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("join: post to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("join: %s returned %d", c.baseURL, resp.StatusCode)
	}
	return nil
}
