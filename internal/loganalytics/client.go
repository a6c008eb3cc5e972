// Package loganalytics is a minimal client for the Azure Log Analytics
// v1 query API.
package loganalytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianworks/logtap/internal/auth"
	"github.com/meridianworks/logtap/internal/window"
)

// DefaultEndpoint is the public-cloud query endpoint.
const DefaultEndpoint = "https://api.loganalytics.io"

// Scope is the OAuth2 scope requested for query API tokens.
const Scope = "https://api.loganalytics.io/.default"

// partialErrorCode marks a 200 response whose results were truncated or
// only partially computed; rows that did arrive are still usable.
const partialErrorCode = "PartialError"

// Status classifies a query response.
type Status int

const (
	StatusSuccess Status = iota
	StatusPartial
)

func (s Status) String() string {
	if s == StatusPartial {
		return "partial"
	}
	return "success"
}

// Table is one result table: parallel column name/type slices plus
// positional rows aligned to the columns.
type Table struct {
	Name    string
	Columns []string
	Types   []string
	Rows    [][]any
}

// Response is a classified query result.
type Response struct {
	Status Status
	Tables []Table
}

type Client struct {
	endpoint string
	cred     auth.Credential
	client   *http.Client
}

func NewClient(endpoint string, cred auth.Credential) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		cred:     cred,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

type queryRequest struct {
	Query    string `json:"query"`
	Timespan string `json:"timespan"`
}

type wireColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type wireTable struct {
	Name    string       `json:"name"`
	Columns []wireColumn `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type queryResponse struct {
	Tables []wireTable `json:"tables"`
	Error  *wireError  `json:"error"`
}

type errorResponse struct {
	Error wireError `json:"error"`
}

// QueryWorkspace executes a query over the given timespan and classifies
// the response as success or partial. Transport and API failures are
// returned as errors; the caller decides whether a run can continue.
func (c *Client) QueryWorkspace(ctx context.Context, workspaceID, query string, span window.Span) (*Response, error) {
	reqBody := queryRequest{
		Query:    query,
		Timespan: span.ISO8601(),
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal query request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/workspaces/%s/query", c.endpoint, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.cred.Authorize(ctx, req, Scope); err != nil {
		return nil, fmt.Errorf("authorize request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Code != "" {
			return nil, fmt.Errorf("query error %d: %s — %s", resp.StatusCode, errResp.Error.Code, errResp.Error.Message)
		}
		return nil, fmt.Errorf("query error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp queryResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	out := &Response{Status: StatusSuccess}
	if apiResp.Error != nil {
		if apiResp.Error.Code != partialErrorCode {
			return nil, fmt.Errorf("query failed: %s — %s", apiResp.Error.Code, apiResp.Error.Message)
		}
		out.Status = StatusPartial
	}

	for _, wt := range apiResp.Tables {
		t := Table{
			Name:    wt.Name,
			Columns: make([]string, len(wt.Columns)),
			Types:   make([]string, len(wt.Columns)),
			Rows:    wt.Rows,
		}
		for i, col := range wt.Columns {
			t.Columns[i] = col.Name
			t.Types[i] = col.Type
		}
		out.Tables = append(out.Tables, t)
	}

	return out, nil
}
