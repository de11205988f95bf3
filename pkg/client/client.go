package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/common/config"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/grafana/splitquery/pkg/queryrangebase"
)

const queryRangePath = "/api/v1/query_range"

var userAgent = fmt.Sprintf("splitquery/%s", version.Version)

// Config holds the settings to reach a Prometheus-compatible query_range API.
type Config struct {
	Address   string           `yaml:"address"`
	Username  string           `yaml:"username"`
	Password  string           `yaml:"password"`
	OrgID     string           `yaml:"org_id"`
	TLSConfig config.TLSConfig `yaml:"tls_config"`
}

// LoadConfig reads a client configuration from a YAML file.
func LoadConfig(filename string) (*Config, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading client config %s", filename)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing client config %s", filename)
	}
	return &cfg, nil
}

// Client executes sub-queries against a remote query_range API. It is the
// execution capability the split engine drives; retries, if desired, are
// layered on top with queryrangebase.NewRetryMiddleware.
type Client struct {
	cfg    Config
	codec  queryrangebase.Codec
	client *http.Client
	logger log.Logger
}

// New makes a Client from cfg.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("client address is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	httpClient, err := config.NewClientFromConfig(config.HTTPClientConfig{
		TLSConfig: cfg.TLSConfig,
	}, "splitquery")
	if err != nil {
		return nil, errors.Wrap(err, "creating http client")
	}
	return &Client{
		cfg:    cfg,
		codec:  queryrangebase.PrometheusCodec,
		client: httpClient,
		logger: logger,
	}, nil
}

// Do implements queryrangebase.Handler.
func (c *Client) Do(ctx context.Context, req queryrangebase.Request) (queryrangebase.Response, error) {
	encoded, err := c.codec.EncodeRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	p := encoded.URL.Path
	if p == "" {
		p = queryRangePath
	}
	us, err := buildURL(c.cfg.Address, p, encoded.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger).Log("msg", "executing sub-query", "id", req.GetID(), "url", us)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, us, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range encoded.Header {
		httpReq.Header[name] = values
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if c.cfg.OrgID != "" {
		httpReq.Header.Set("X-Scope-OrgID", c.cfg.OrgID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			level.Warn(c.logger).Log("msg", "error closing body", "err", err)
		}
	}()

	return c.codec.DecodeResponse(ctx, resp, req)
}

// buildURL concats a url `http://foo/bar` with a path `/buzz`.
func buildURL(u, p, q string) (string, error) {
	url, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	url.Path = path.Join(url.Path, p)
	url.RawQuery = q
	return url.String(), nil
}
