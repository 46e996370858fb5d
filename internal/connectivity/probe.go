package connectivity

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultProbeInterval    = 5 * time.Second
	defaultProbeTimeout     = 3 * time.Second
	defaultProbeJitter      = 0.2
	defaultFailureThreshold = 2
	defaultHealthPath       = "/health"
)

type ProberOptions struct {
	BaseURL          string
	HealthPath       string
	Interval         time.Duration
	Timeout          time.Duration
	Jitter           float64
	FailureThreshold int
	Logger           logrus.FieldLogger
}

// Prober polls the backend health endpoint. One 2xx response marks the
// backend online; FailureThreshold consecutive failures mark it offline.
type Prober struct {
	broadcaster

	client    *resty.Client
	path      string
	interval  time.Duration
	jitter    float64
	threshold int
	logger    logrus.FieldLogger
	failures  int
}

func NewProber(opts ProberOptions) *Prober {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	path := strings.TrimSpace(opts.HealthPath)
	if path == "" {
		path = defaultHealthPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Prober{
		client:    resty.New().SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).SetTimeout(timeout),
		path:      path,
		interval:  interval,
		jitter:    clampJitterRatio(opts.Jitter),
		threshold: threshold,
		logger:    logger,
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		p.Probe(ctx)
		if !waitWithContext(ctx.Done(), jitteredInterval(p.interval, p.jitter, rng.Float64())) {
			return nil
		}
	}
}

// Probe performs a single health check and returns the resulting state. It
// must not be called concurrently with Run.
func (p *Prober) Probe(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(p.path)
	if err == nil && resp.IsSuccess() {
		p.failures = 0
		if p.set(true) {
			p.logger.Info("backend reachable")
		}
		return true
	}
	if ctx.Err() != nil {
		return p.Online()
	}
	p.failures++
	entry := p.logger.WithField("failures", p.failures)
	if err != nil {
		entry = entry.WithError(err)
	} else {
		entry = entry.WithField("status", resp.StatusCode())
	}
	entry.Debug("health probe failed")
	if p.failures >= p.threshold && p.set(false) {
		entry.Warn("backend unreachable")
	}
	return p.Online()
}
