// Package client is a thin HTTP client over the broker's JSON API, used
// by r2ctl so the CLI talks the same wire contract any other UI would.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Object mirrors provider.Object's wire shape; kept separate so this
// package has no dependency on the broker's process-internal types.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag,omitempty"`
	StorageClass string    `json:"storageClass,omitempty"`
}

type ListingPage struct {
	Objects        []Object `json:"objects"`
	CommonPrefixes []string `json:"commonPrefixes"`
}

// Task mirrors transfer.Task's wire shape.
type Task struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Bucket      string  `json:"bucket"`
	Key         string  `json:"key,omitempty"`
	Prefix      string  `json:"prefix,omitempty"`
	LocalPath   string  `json:"localPath,omitempty"`
	TotalSize   int64   `json:"totalSize,omitempty"`
	TotalCount  int64   `json:"totalCount,omitempty"`
	Transferred int64   `json:"transferred"`
	Speed       float64 `json:"speed"`
	Progress    float64 `json:"progress"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	Attempts    int     `json:"attempts"`
}

type wireError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// Error wraps a broker-reported taxonomy error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Client is a loopback HTTP client bound to one broker instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client pointed at the broker listening on 127.0.0.1:port.
func New(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body []byte, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Status == "error" {
		return &Error{Code: env.Error.Code, Message: env.Error.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// ListObjects lists one page of a bucket's contents under prefix,
// hierarchically (delimiter="/").
func (c *Client) ListObjects(bucket, prefix string) (ListingPage, error) {
	q := url.Values{"delimiter": {"/"}}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	// The broker returns {objects, pagination}; common prefixes live
	// inside pagination.
	var wire struct {
		Objects    []Object `json:"objects"`
		Pagination struct {
			CommonPrefixes []string `json:"commonPrefixes"`
		} `json:"pagination"`
	}
	err := c.do(http.MethodGet, fmt.Sprintf("/buckets/%s/objects?%s", url.PathEscape(bucket), q.Encode()), nil, &wire)
	return ListingPage{Objects: wire.Objects, CommonPrefixes: wire.Pagination.CommonPrefixes}, err
}

// EnqueueUpload admits an upload task and returns it as QUEUED.
func (c *Client) EnqueueUpload(bucket, key, localPath string) (Task, error) {
	body, _ := json.Marshal(map[string]string{"key": key, "localPath": localPath})
	var task Task
	err := c.do(http.MethodPost, fmt.Sprintf("/buckets/%s/transfers/uploads", url.PathEscape(bucket)), body, &task)
	return task, err
}

// EnqueueDownload admits a download task and returns it as QUEUED.
func (c *Client) EnqueueDownload(bucket, key, localPath string) (Task, error) {
	body, _ := json.Marshal(map[string]string{"key": key, "localPath": localPath})
	var task Task
	err := c.do(http.MethodPost, fmt.Sprintf("/buckets/%s/transfers/downloads", url.PathEscape(bucket)), body, &task)
	return task, err
}

// EnqueueDelete admits a single-key or recursive-prefix delete task.
func (c *Client) EnqueueDelete(bucket, key, prefix string) (Task, error) {
	body, _ := json.Marshal(map[string]string{"key": key, "prefix": prefix})
	var task Task
	err := c.do(http.MethodPost, fmt.Sprintf("/buckets/%s/transfers/deletes", url.PathEscape(bucket)), body, &task)
	return task, err
}

// GetTask polls a previously enqueued task by id.
func (c *Client) GetTask(id string) (Task, error) {
	var task Task
	err := c.do(http.MethodGet, "/transfers/"+url.PathEscape(id), nil, &task)
	return task, err
}
