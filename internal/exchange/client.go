package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/amirphl/order-router/internal/utils"
)

const (
	DefaultRootURL = "https://api.kite.trade"
	kiteVersion    = "3"
)

// KiteConfig holds the credentials and endpoint of the REST API.
type KiteConfig struct {
	RootURL     string
	APIKey      string
	AccessToken string
	Timeout     time.Duration
}

// KiteClient speaks the Kite Connect v3 REST dialect. Calls are serialized.
type KiteClient struct {
	mu   sync.Mutex
	http *resty.Client
}

func NewKiteClient(cfg KiteConfig) *KiteClient {
	root := cfg.RootURL
	if root == "" {
		root = DefaultRootURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(root, "/")).
		SetTimeout(timeout).
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" && cfg.AccessToken != "" {
		c.SetHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.AccessToken))
	}
	return &KiteClient{http: c}
}

func (k *KiteClient) Get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	return k.do(ctx, http.MethodGet, path, func(r *resty.Request) {
		if len(query) > 0 {
			r.SetQueryParamsFromValues(query)
		}
	})
}

func (k *KiteClient) Post(ctx context.Context, path string, form url.Values) (map[string]any, error) {
	return k.do(ctx, http.MethodPost, path, func(r *resty.Request) {
		r.SetFormDataFromValues(form)
	})
}

func (k *KiteClient) Put(ctx context.Context, path string, form url.Values) (map[string]any, error) {
	return k.do(ctx, http.MethodPut, path, func(r *resty.Request) {
		r.SetFormDataFromValues(form)
	})
}

func (k *KiteClient) Delete(ctx context.Context, path string) (map[string]any, error) {
	return k.do(ctx, http.MethodDelete, path, nil)
}

func (k *KiteClient) do(ctx context.Context, method, path string, build func(*resty.Request)) (map[string]any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	req := k.http.R().SetContext(ctx)
	if build != nil {
		build(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	body := resp.Body()
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		herr := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode(), Body: string(body)}
		var envelope map[string]any
		if json.Unmarshal(body, &envelope) == nil {
			herr.ErrorType = String(envelope["error_type"])
			herr.Message = String(envelope["message"])
		}
		utils.GetLogger().Warnf("KiteClient | %v", herr)
		return nil, herr
	}

	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return envelope, nil
}
