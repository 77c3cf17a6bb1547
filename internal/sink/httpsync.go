package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/policy"
	"github.com/ent0n29/geotrack/internal/reliability"
	"github.com/ent0n29/geotrack/internal/tracking"
)

type HTTPSyncOptions struct {
	URL       string
	UserID    string
	AuthToken string
	Timeout   time.Duration
	Client    *http.Client
}

// HTTPSync uploads delivered batches to a remote endpoint, the way the mobile
// app auto-synced locations. Retryable failures are returned so the batch is
// spooled; permanent rejections are logged and dropped.
type HTTPSync struct {
	endpoint string
	userID   string
	token    string
	client   *http.Client
	log      zerolog.Logger
	metrics  *observability.Metrics
}

type syncLocation struct {
	Seq        uint64    `json:"seq"`
	RecordedAt time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	SpeedMps   *float64  `json:"speed,omitempty"`
	HeadingDeg *float64  `json:"heading,omitempty"`
	AltitudeM  *float64  `json:"altitude,omitempty"`
	IsMoving   bool      `json:"is_moving"`
}

type syncPayload struct {
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"session_id"`
	Replayed  bool           `json:"replayed"`
	Location  []syncLocation `json:"location"`
}

func NewHTTPSync(opts HTTPSyncOptions, logger zerolog.Logger, metrics *observability.Metrics) (*HTTPSync, error) {
	raw := strings.TrimSpace(opts.URL)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		redacted, _ := policy.RedactURL(raw)
		return nil, fmt.Errorf("invalid sync url %q", redacted)
	}
	if opts.UserID != "" {
		q := u.Query()
		q.Set("user_id", opts.UserID)
		u.RawQuery = q.Encode()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	redacted, _ := policy.RedactURL(u.String())
	return &HTTPSync{
		endpoint: u.String(),
		userID:   opts.UserID,
		token:    strings.TrimSpace(opts.AuthToken),
		client:   client,
		log:      logger.With().Str("component", "sink.httpsync").Str("endpoint", redacted).Logger(),
		metrics:  metrics,
	}, nil
}

func (h *HTTPSync) OnSamples(ctx context.Context, batch tracking.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	payload := syncPayload{
		UserID:    h.userID,
		SessionID: batch.SessionID,
		Replayed:  batch.Replayed,
		Location:  make([]syncLocation, 0, len(batch.Records)),
	}
	for _, r := range batch.Records {
		s := r.Sample
		payload.Location = append(payload.Location, syncLocation{
			Seq:        r.Seq,
			RecordedAt: s.RecordedAt,
			Latitude:   s.Latitude,
			Longitude:  s.Longitude,
			AccuracyM:  s.AccuracyM,
			SpeedMps:   s.SpeedMps,
			HeadingDeg: s.HeadingDeg,
			AltitudeM:  s.AltitudeM,
			IsMoving:   s.IsMoving,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode sync payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.metrics.ObserveSinkError("http_sync")
		return fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		h.metrics.ObserveSinkError("http_sync")
		return fmt.Errorf("sync endpoint returned %d", resp.StatusCode)
	default:
		h.metrics.ObserveSinkError("http_sync")
		h.log.Warn().
			Int("status", resp.StatusCode).
			Str("session_id", batch.SessionID).
			Int("samples", len(batch.Records)).
			Msg("sync endpoint rejected batch; dropping")
		return nil
	}
}

func (h *HTTPSync) OnFault(_ context.Context, err error) {
	h.log.Error().Err(err).Msg("tracking session faulted")
}
