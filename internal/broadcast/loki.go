package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-telemetry/backend/internal/event/domain"
)

// pushRequest is the Loki push API request body (v1).
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are awkward in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// LokiPublisher pushes each processed envelope to Grafana Loki as one log line labelled by kind.
type LokiPublisher struct {
	baseURL string
	client  *http.Client
}

// NewLokiPublisher returns a publisher for the Loki instance at baseURL (e.g. http://localhost:3100).
func NewLokiPublisher(baseURL string) (*LokiPublisher, error) {
	if baseURL == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	return &LokiPublisher{baseURL: strings.TrimSuffix(baseURL, "/"), client: &http.Client{Timeout: 5 * time.Second}}, nil
}

// Publish implements Publisher. Device ids stay in the line, not the labels, to keep stream cardinality low.
func (p *LokiPublisher) Publish(ctx context.Context, env *domain.Envelope) error {
	line, err := json.Marshal(env.Notification())
	if err != nil {
		return err
	}
	labels := map[string]string{"job": "fleet-telemetry"}
	if kind := labelSanitize.ReplaceAllString(strings.TrimSpace(env.Kind), "_"); kind != "" {
		labels["kind"] = kind
	}
	if env.AuthMode != "" {
		labels["auth_mode"] = string(env.AuthMode)
	}
	ts := env.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body := pushRequest{Streams: []stream{{
		Stream: labels,
		Values: [][]string{{strconv.FormatInt(ts.UnixNano(), 10), string(line)}},
	}}}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
