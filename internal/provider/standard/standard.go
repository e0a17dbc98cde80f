package standard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"maabo/internal/config"
	"maabo/internal/logbus"
	"maabo/internal/model"
	"maabo/internal/provider"
	"maabo/internal/utils"
)

// StandardProvider reads the maa-cli version manifest and downloads release
// assets over HTTP.
type StandardProvider struct {
	cfg    config.UpdateConfig
	bus    *logbus.Bus
	client *resty.Client
}

func New(cfg config.UpdateConfig, bus *logbus.Bus) *StandardProvider {
	p := &StandardProvider{cfg: cfg, bus: bus}
	p.client = p.newClient()
	return p
}

func (p *StandardProvider) Name() string { return "standard" }

func (p *StandardProvider) Manifest(ctx context.Context) (model.Manifest, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(p.cfg.ManifestURL)
	if err != nil {
		return model.Manifest{}, err
	}
	if resp.IsError() {
		return model.Manifest{}, fmt.Errorf("manifest: http %d", resp.StatusCode())
	}
	// 版本文件托管在 raw 地址上，Content-Type 往往是 text/plain，这里手动解析
	var m model.Manifest
	if err := json.Unmarshal(resp.Body(), &m); err != nil {
		return model.Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	if strings.TrimSpace(m.Version) == "" {
		return model.Manifest{}, errors.New("manifest: missing version")
	}
	return m, nil
}

// AssetURL returns the explicit asset url or <downloadBase>/<tag>/<name>.
func (p *StandardProvider) AssetURL(tag string, asset model.ReleaseAsset) (string, error) {
	if asset.URL != "" {
		return asset.URL, nil
	}
	if p.cfg.DownloadBase == "" {
		return "", errors.New("download base not configured")
	}
	if tag == "" || asset.Name == "" {
		return "", errors.New("asset tag and name are required")
	}
	return strings.TrimRight(p.cfg.DownloadBase, "/") + "/" + url.PathEscape(tag) + "/" + url.PathEscape(asset.Name), nil
}

func (p *StandardProvider) Download(ctx context.Context, tag string, asset model.ReleaseAsset, w io.Writer, progress provider.ProgressFunc) (int64, error) {
	u, err := p.AssetURL(tag, asset)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u)
	if err != nil {
		return 0, err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return 0, fmt.Errorf("download %s: http %d", asset.Name, resp.StatusCode())
	}

	total := asset.Size
	if total <= 0 && resp.RawResponse != nil && resp.RawResponse.ContentLength > 0 {
		total = resp.RawResponse.ContentLength
	}
	cw := &countingWriter{w: w, total: total, progress: progress}
	n, err := io.Copy(cw, body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", asset.Name, err)
	}
	if asset.Size > 0 && n != asset.Size {
		return n, fmt.Errorf("download %s: got %d bytes, want %d", asset.Name, n, asset.Size)
	}
	return n, nil
}

type countingWriter struct {
	w        io.Writer
	written  int64
	total    int64
	progress provider.ProgressFunc
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.written += int64(n)
	if c.progress != nil {
		c.progress(c.written, c.total)
	}
	return n, err
}

func (p *StandardProvider) newClient() *resty.Client {
	client := resty.New().
		SetTimeout(p.cfg.Timeout()).
		SetRetryCount(p.cfg.Retry.Count).
		SetRetryWaitTime(p.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(p.cfg.Retry.MaxWait()).
		SetHeader("User-Agent", utils.NormalizeUserAgent(p.cfg.UserAgent, "")).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	if p.cfg.Proxy != "" {
		client.SetProxy(p.cfg.Proxy)
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if p.bus != nil {
			p.bus.Log("debug", "http request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
			})
		}
		return nil
	})
	return client
}
