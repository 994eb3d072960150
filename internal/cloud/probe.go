package cloud

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober checks once whether the backend is hosted somewhere that cannot
// keep long-lived push connections open (serverless platforms).
type Prober struct {
	url    string
	client *http.Client
	log    *logrus.Entry
}

// NewProber creates a capability probe against url
func NewProber(url string, timeout time.Duration, log *logrus.Entry) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Probe reports ProbeUnsupported when the response identifies a serverless
// host, ProbeSupported for any other healthy response, and
// ProbeInconclusive when the check itself fails.
func (p *Prober) Probe(ctx context.Context) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.WithError(err).Warn("capability probe: bad request")
		return ProbeInconclusive
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.WithError(err).Warn("capability probe failed")
		return ProbeInconclusive
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := classifyHost(resp)
	p.log.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"result": result.String(),
	}).Info("capability probe finished")
	return result
}

func classifyHost(resp *http.Response) ProbeResult {
	if resp.Header.Get("X-Vercel-Id") != "" || strings.EqualFold(resp.Header.Get("Server"), "Vercel") {
		return ProbeUnsupported
	}
	if resp.StatusCode >= 500 {
		return ProbeInconclusive
	}
	return ProbeSupported
}
