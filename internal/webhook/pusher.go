// Package webhook 将网关事件签名后推送到外部 HTTP 端点
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/wake-gateway/internal/retry"
)

// Pusher 带签名与重试的 JSON 推送
type Pusher struct {
	Client *http.Client
	APIKey string
	Secret string
	Policy retry.Policy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPusher 创建推送器；client 为空时使用 5s 超时的默认客户端
func NewPusher(client *http.Client, apiKey, secret string, policy retry.Policy) *Pusher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Pusher{
		Client: client,
		APIKey: apiKey,
		Secret: secret,
		Policy: policy,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusError 对端返回非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook: http %d: %s", e.Code, e.Body) }

// SendJSON 推送 payload；网络错误和 5xx 按策略重试，4xx 直接返回
func (p *Pusher) SendJSON(ctx context.Context, endpoint string, payload any) error {
	if p == nil || p.Client == nil {
		return errors.New("webhook: nil pusher")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err := p.post(ctx, u, body)
		if err == nil {
			return nil
		}
		kind := retry.Transient
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			kind = retry.Terminal
		}
		d := p.Policy.Decide(attempt, kind)
		if !d.Retry {
			return err
		}
		if serr := p.sleep(ctx, d.Delay); serr != nil {
			return serr
		}
	}
}

// post 单次请求，每次重新签名（时间戳与 nonce 不复用）
func (p *Pusher) post(ctx context.Context, u *url.URL, body []byte) error {
	ts := p.now().Unix()
	nonce := uuid.NewString()
	sig := SignHMAC(p.Secret, Canonical(http.MethodPost, u.Path, ts, nonce, body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.APIKey)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Body: string(rb)}
}
