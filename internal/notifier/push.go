package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultPushURL = "https://api.pushover.net/1/messages.json"

type PushConfig struct {
	URL      string
	Token    string
	User     string
	Priority int
}

// Push posts to a Pushover-compatible messages endpoint.
type Push struct {
	cfg  PushConfig
	http *http.Client
}

func NewPush(cfg PushConfig, hc *http.Client) *Push {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultPushURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Push{cfg: cfg, http: hc}
}

func (p *Push) Name() string { return "push" }

func (p *Push) Send(ctx context.Context, title, body string) error {
	form := url.Values{
		"token":   {p.cfg.Token},
		"user":    {p.cfg.User},
		"title":   {title},
		"message": {body},
	}
	if p.cfg.Priority != 0 {
		form.Set("priority", strconv.Itoa(p.cfg.Priority))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	var out struct {
		Status int      `json:"status"`
		Errors []string `json:"errors"`
	}
	_ = json.Unmarshal(raw, &out)
	if res.StatusCode/100 != 2 || out.Status != 1 {
		if len(out.Errors) > 0 {
			return fmt.Errorf("push: http %d: %s", res.StatusCode, strings.Join(out.Errors, "; "))
		}
		return fmt.Errorf("push: http %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
