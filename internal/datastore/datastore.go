// Package datastore is a thin REST client over the external key-value
// datastore service (out of scope per spec.md §1; only its three-endpoint
// HTTP contract is implemented here). It implements identity.Persister
// and settings.Store against that contract.
package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/brewblox/sparkgw/internal/identity"
	"github.com/brewblox/sparkgw/internal/settings"
)

// DefaultTimeout bounds one datastore call, including all of its retried
// HTTP round-trips (spec.md §5).
const DefaultTimeout = 30 * time.Second

// document is the generic datastore envelope shape: {id, namespace, ...payload}.
type document map[string]interface{}

type getBody struct {
	Value document `json:"value"`
}

type getRequest struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
}

type mgetRequest struct {
	Filter document `json:"filter,omitempty"`
	IDs    []string `json:"ids,omitempty"`
}

type mgetBody struct {
	Values []document `json:"values"`
}

type setRequest struct {
	Value document `json:"value"`
}

// Client implements identity.Persister and settings.Store over net/http. The
// three fixed JSON endpoints it calls are narrow enough that no
// REST-client library from the example corpus is warranted (see
// DESIGN.md); retries use cenkalti/backoff to absorb transient network
// errors against the datastore service.
type Client struct {
	baseURL string
	http    *http.Client
	log     clog.Clog
	timeout time.Duration
}

// New returns a Client against the given datastore base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		log:     clog.NewLogger("datastore"),
		timeout: DefaultTimeout,
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("datastore: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err // retryable: network error
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("datastore: %s: server error %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("datastore: %s: client error %d", path, resp.StatusCode))
		}
		if out != nil {
			return backoff.Permanent(json.NewDecoder(resp.Body).Decode(out))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			return gwerr.New(gwerr.KindTimeout, err)
		}
		return gwerr.New(gwerr.KindCommandFailed, err)
	}
	return nil
}

// --- identity.Persister ---

var _ identity.Persister = (*Client)(nil)

// Read fetches the identity document for docID under the "spark-service"
// namespace (spec.md §6: service blocks document).
func (c *Client) Read(ctx context.Context, docID string) (identity.Document, error) {
	var resp getBody
	err := c.post(ctx, "/get", getRequest{ID: docID, Namespace: "spark-service"}, &resp)
	if err != nil {
		return identity.Document{}, err
	}
	return documentToIdentity(resp.Value), nil
}

// Write persists the identity document for docID.
func (c *Client) Write(ctx context.Context, docID string, doc identity.Document) error {
	return c.post(ctx, "/set", setRequest{Value: identityToDocument(docID, doc)}, nil)
}

func documentToIdentity(d document) identity.Document {
	raw, _ := d["data"].([]interface{})
	out := identity.Document{}
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		keys, _ := m["keys"].([]interface{})
		if len(keys) != 2 {
			continue
		}
		sid, _ := keys[0].(string)
		nidF, _ := keys[1].(float64)
		data, _ := m["data"].(map[string]interface{})
		out.Entries = append(out.Entries, identity.Entry{SID: sid, NID: uint16(nidF), Data: data})
	}
	return out
}

func identityToDocument(docID string, doc identity.Document) document {
	entries := make([]document, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		entries = append(entries, document{
			"keys": []interface{}{e.SID, e.NID},
			"data": e.Data,
		})
	}
	return document{
		"id":        docID,
		"namespace": "spark-service",
		"data":      entries,
	}
}

// --- settings.Store ---

var _ settings.Store = (*Client)(nil)

func (c *Client) ReadServiceSettings(ctx context.Context, serviceName string) (settings.ServiceSettings, error) {
	var resp getBody
	err := c.post(ctx, "/get", getRequest{ID: serviceName, Namespace: "spark-service"}, &resp)
	if err != nil {
		return settings.ServiceSettings{}, err
	}
	enabled, _ := resp.Value["enabled"].(bool)
	return settings.ServiceSettings{Enabled: enabled}, nil
}

func (c *Client) WriteServiceSettings(ctx context.Context, serviceName string, s settings.ServiceSettings) error {
	return c.post(ctx, "/set", setRequest{Value: document{
		"id": serviceName, "namespace": "spark-service", "enabled": s.Enabled,
	}}, nil)
}

func (c *Client) ReadGlobalUnits(ctx context.Context) (settings.GlobalUnits, error) {
	var resp getBody
	err := c.post(ctx, "/get", getRequest{ID: "units", Namespace: "brewblox-global"}, &resp)
	if err != nil {
		return settings.GlobalUnits{}, err
	}
	temp, _ := resp.Value["temperature"].(string)
	if temp == "" {
		temp = "degC"
	}
	return settings.GlobalUnits{Temperature: temp}, nil
}

func (c *Client) WriteGlobalUnits(ctx context.Context, u settings.GlobalUnits) error {
	return c.post(ctx, "/set", setRequest{Value: document{
		"id": "units", "namespace": "brewblox-global", "temperature": u.Temperature,
	}}, nil)
}

func (c *Client) ReadGlobalTimeZone(ctx context.Context) (settings.GlobalTimeZone, error) {
	var resp getBody
	err := c.post(ctx, "/get", getRequest{ID: "timeZone", Namespace: "brewblox-global"}, &resp)
	if err != nil {
		return settings.GlobalTimeZone{}, err
	}
	name, _ := resp.Value["name"].(string)
	posix, _ := resp.Value["posixValue"].(string)
	return settings.GlobalTimeZone{Name: name, PosixValue: posix}, nil
}

func (c *Client) WriteGlobalTimeZone(ctx context.Context, tz settings.GlobalTimeZone) error {
	return c.post(ctx, "/set", setRequest{Value: document{
		"id": "timeZone", "namespace": "brewblox-global", "name": tz.Name, "posixValue": tz.PosixValue,
	}}, nil)
}
