// Package orchestrator is a read-only directory over the container
// orchestrator's API: check node readiness, list pods by label. It is
// consulted for proofs (is this node hosting the critical service, has that
// node finished rebooting), never mutated.
package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

type Pod struct {
	Name     string
	NodeName string
}

type Client struct {
	http *resty.Client
}

const (
	serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	serviceAccountCAPath    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

// NewClient talks to the API server at baseURL with the given bearer token.
// Empty token falls back to the in-cluster service account token.
func NewClient(baseURL, token string, timeout time.Duration, insecureSkipVerify bool) (*Client, error) {
	if token == "" {
		raw, err := os.ReadFile(serviceAccountTokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account token: %w", err)
		}
		token = string(raw)
	}
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetAuthToken(token)
	c.SetTimeout(timeout)
	if insecureSkipVerify {
		c.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	} else if _, err := os.Stat(serviceAccountCAPath); err == nil {
		c.SetRootCertificate(serviceAccountCAPath)
	}
	return &Client{http: c}, nil
}

type nodeCondition struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type nodeList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Status struct {
			Conditions []nodeCondition `json:"conditions"`
		} `json:"status"`
	} `json:"items"`
}

type podList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Spec struct {
			NodeName string `json:"nodeName"`
		} `json:"spec"`
	} `json:"items"`
}

// NodeReady reports whether the named node exists and has a Ready=True
// condition. A missing node is not an error: (false, nil).
func (c *Client) NodeReady(ctx context.Context, name string) (bool, error) {
	nodes, err := c.listNodes(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range nodes.Items {
		if item.Metadata.Name == name {
			return nodeIsReady(item.Status.Conditions), nil
		}
	}
	return false, nil
}

// ListPodsByLabel returns pods matching selector across all namespaces.
func (c *Client) ListPodsByLabel(ctx context.Context, selector string) ([]Pod, error) {
	result := podList{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("labelSelector", selector).
		SetResult(&result).
		Get("/api/v1/pods")
	if err != nil {
		return nil, fmt.Errorf("failed to list pods by label %q: %w", selector, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to list pods by label %q: status %d", selector, resp.StatusCode())
	}
	pods := make([]Pod, 0, len(result.Items))
	for _, item := range result.Items {
		pods = append(pods, Pod{Name: item.Metadata.Name, NodeName: item.Spec.NodeName})
	}
	return pods, nil
}

func (c *Client) listNodes(ctx context.Context) (*nodeList, error) {
	result := nodeList{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/nodes")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to list nodes: status %d", resp.StatusCode())
	}
	return &result, nil
}

func nodeIsReady(conditions []nodeCondition) bool {
	for _, cond := range conditions {
		if cond.Type == "Ready" {
			return cond.Status == "True"
		}
	}
	return false
}
