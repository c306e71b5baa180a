// Package readiness polls a freshly published site until it answers with 2xx.
package readiness

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultInterval     = 10 * time.Second
	defaultTimeout      = 5 * time.Minute
	defaultProbeTimeout = 10 * time.Second
)

// Result summarises one AwaitReady call. A timeout is reported as Ready=false, not as
// an error.
type Result struct {
	Ready      bool
	Attempts   int
	LastStatus int
	LastError  string
	Elapsed    time.Duration
}

// Poller issues GET probes at a fixed interval.
type Poller struct {
	client       *http.Client
	interval     time.Duration
	probeTimeout time.Duration
	logger       zerolog.Logger
}

// NewPoller returns a Poller. Zero values select a 10s interval; probes are bounded by
// min(interval, 10s).
func NewPoller(interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	probe := defaultProbeTimeout
	if interval < probe {
		probe = interval
	}
	return &Poller{
		client:       &http.Client{},
		interval:     interval,
		probeTimeout: probe,
		logger:       logger,
	}
}

// AwaitReady probes url immediately and then once per interval until a probe
// succeeds, timeout elapses, or ctx is done.
func (p *Poller) AwaitReady(ctx context.Context, url string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := p.logger.With().Str("url", url).Logger()
	var res Result

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		res.Attempts++
		status, err := p.probe(ctx, url)
		res.LastStatus = status
		if err != nil {
			res.LastError = err.Error()
		} else {
			res.LastError = ""
		}
		if status >= 200 && status < 300 {
			res.Ready = true
			res.Elapsed = time.Since(start)
			logger.Info().Int("attempts", res.Attempts).Dur("elapsed", res.Elapsed).Msg("site is ready")
			return res
		}
		logger.Debug().Int("attempt", res.Attempts).Int("status", status).Err(err).Msg("site not ready yet")

		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			logger.Warn().Int("attempts", res.Attempts).Int("last_status", res.LastStatus).Dur("elapsed", res.Elapsed).Msg("site did not become ready")
			return res
		case <-ticker.C:
		}
	}
}

func (p *Poller) probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, errors.New("probe timed out")
		}
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
