package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PPCollab/logger"
	"PPCollab/tools/decode"
	"PPCollab/tools/errs"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Source tells callers whether a State came from the upstream service.
type Source string

const (
	SourceLive        Source = "live"
	SourceCached      Source = "cached"
	SourcePlaceholder Source = "placeholder"
)

const StatusUnknown = "unknown"

// State is the per-instance summary the synchronizer caches and broadcasts.
type State struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	LastUpdate  time.Time `json:"last_update"`
	Source      Source    `json:"source"`
}

// Placeholder is what an instance looks like when nothing is known about it.
func Placeholder(id string, now time.Time) State {
	return State{ID: id, Status: StatusUnknown, LastUpdate: now, Source: SourcePlaceholder}
}

// Fetcher is the instance-management collaborator.
type Fetcher interface {
	List(ctx context.Context) ([]State, error)
	Get(ctx context.Context, id string) (State, error)
}

// upstream wraps every instance-service reply: {success, data, error{code,message}}.
type upstream struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type listData struct {
	Instances []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"instances"`
}

type metricsData struct {
	InstanceID string         `json:"instance_id"`
	Metrics    map[string]any `json:"metrics"`
}

// Client talks to the instance service's /api/v1 surface.
type Client struct {
	base string
	http *resty.Client
	log  *zap.Logger
	now  func() time.Time
}

// NewClient returns nil for an empty baseURL; callers treat a nil Fetcher as "no upstream".
func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	hc := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{base: baseURL, http: hc, log: logger.Named("instance"), now: time.Now}
}

// List returns every instance with its status; usage metrics are filled by Get.
func (c *Client) List(ctx context.Context) ([]State, error) {
	raw, err := c.fetch(ctx, "/api/v1/instances?limit=1000")
	if err != nil {
		return nil, err
	}
	ld, err := decode.DecodeRaw[listData](raw)
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WithDetail("decode instances: " + err.Error())
	}
	now := c.now()
	out := make([]State, 0, len(ld.Instances))
	for _, it := range ld.Instances {
		if it.ID == "" {
			continue
		}
		out = append(out, State{ID: it.ID, Status: it.Status, LastUpdate: now, Source: SourceLive})
	}
	return out, nil
}

// Get fetches status and metrics for one instance.
func (c *Client) Get(ctx context.Context, id string) (State, error) {
	if id == "" {
		return State{}, errs.ErrInvalidArgument.WithDetail("instance id is required")
	}
	raw, err := c.fetch(ctx, "/api/v1/instances/"+id+"/status")
	if err != nil {
		return State{}, err
	}
	st := State{ID: id, Status: StatusUnknown, Source: SourceLive}
	var status map[string]any
	if err := json.Unmarshal(raw, &status); err == nil {
		if s, ok := decode.ReadString(status, "status"); ok && s != "" {
			st.Status = s
		}
	}

	raw, err = c.fetch(ctx, "/api/v1/instances/"+id+"/metrics")
	if err != nil {
		return State{}, err
	}
	md, err := decode.DecodeRaw[metricsData](raw)
	if err != nil {
		return State{}, errs.ErrUpstreamUnavailable.WithDetail("decode metrics: " + err.Error())
	}
	st.CPUUsage = usagePercent(md.Metrics, "cpu")
	st.MemoryUsage = usagePercent(md.Metrics, "memory")
	st.LastUpdate = c.now()
	return st, nil
}

func (c *Client) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	var body upstream
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetError(&body).
		Get(c.base + path)
	if err != nil {
		c.log.Debug("instance service unreachable", zap.String("path", path), zap.Error(err))
		return nil, errs.ErrUpstreamUnavailable.WithDetail(err.Error())
	}
	if resp.IsError() || !body.Success {
		msg := fmt.Sprintf("GET %s: status %d", path, resp.StatusCode())
		if body.Error != nil {
			msg += " " + body.Error.Code + " " + body.Error.Message
		}
		if resp.StatusCode() == 404 {
			return nil, errs.ErrNotFound.WithDetail(msg)
		}
		return nil, errs.ErrUpstreamUnavailable.WithDetail(msg)
	}
	return body.Data, nil
}

func usagePercent(metrics map[string]any, key string) float64 {
	sub, ok := metrics[key].(map[string]any)
	if !ok {
		return 0
	}
	v, _ := decode.ReadFloat(sub, "usage_percent")
	return v
}
