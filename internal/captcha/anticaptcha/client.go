// Package anticaptcha is a client for the anti-captcha.com JSON API
// (createTask / getTaskResult with ImageToTextTask).
package anticaptcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slotwatch/internal/captcha"
)

const DefaultBaseURL = "https://api.anti-captcha.com"

type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
		}
	}
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		key:     apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type apiError struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

func (e apiError) err() error {
	if e.ErrorID == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", captcha.ErrService, e.ErrorCode, e.ErrorDescription)
}

type imageToTextTask struct {
	Type string `json:"type"`
	Body string `json:"body"`
	Case bool   `json:"case,omitempty"`
}

type createTaskReq struct {
	ClientKey string          `json:"clientKey"`
	Task      imageToTextTask `json:"task"`
}

type createTaskResp struct {
	apiError
	TaskID json.Number `json:"taskId"`
}

type taskReq struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResp struct {
	apiError
	Status   string `json:"status"`
	Solution struct {
		Text string `json:"text"`
	} `json:"solution"`
}

func (c *Client) CreateTask(ctx context.Context, image []byte) (string, error) {
	req := createTaskReq{
		ClientKey: c.key,
		Task: imageToTextTask{
			Type: "ImageToTextTask",
			Body: base64.StdEncoding.EncodeToString(image),
			Case: true,
		},
	}
	var resp createTaskResp
	if err := c.call(ctx, "/createTask", req, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: createTask returned no task id", captcha.ErrService)
	}
	return resp.TaskID.String(), nil
}

func (c *Client) TaskResult(ctx context.Context, taskID string) (captcha.Result, error) {
	id, err := strconv.ParseInt(taskID, 10, 64)
	if err != nil {
		return captcha.Result{}, fmt.Errorf("anticaptcha: bad task id %q: %w", taskID, err)
	}
	var resp taskResultResp
	if err := c.call(ctx, "/getTaskResult", taskReq{ClientKey: c.key, TaskID: id}, &resp); err != nil {
		return captcha.Result{}, err
	}
	if resp.ErrorID != 0 {
		return captcha.Result{Status: captcha.StatusError, Error: resp.ErrorCode + ": " + resp.ErrorDescription}, nil
	}
	switch resp.Status {
	case "ready":
		return captcha.Result{Status: captcha.StatusReady, Text: resp.Solution.Text}, nil
	case "processing":
		return captcha.Result{Status: captcha.StatusProcessing}, nil
	default:
		return captcha.Result{Status: captcha.StatusNotReady}, nil
	}
}

// ReportIncorrect flags a solved image as wrong (refund and solver feedback).
func (c *Client) ReportIncorrect(ctx context.Context, taskID string) error {
	id, err := strconv.ParseInt(taskID, 10, 64)
	if err != nil {
		return fmt.Errorf("anticaptcha: bad task id %q: %w", taskID, err)
	}
	var resp apiError
	if err := c.call(ctx, "/reportIncorrectImageCaptcha", taskReq{ClientKey: c.key, TaskID: id}, &resp); err != nil {
		return err
	}
	return resp.err()
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("anticaptcha %s: %w", path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("anticaptcha %s: read body: %w", path, err)
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("anticaptcha %s: http %d: %s", path, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Join(fmt.Errorf("anticaptcha %s: decode", path), err)
	}
	return nil
}
