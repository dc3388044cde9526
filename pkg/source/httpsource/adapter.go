// Package httpsource implements source.Adapter against a JSON gateway that
// fronts one external provider.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/source"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Adapter fetches records over HTTP
type Adapter struct {
	log    logrus.FieldLogger
	cfg    *Config
	client *resty.Client
}

type wireRecord struct {
	Identifier  string         `json:"identifier"`
	SourceType  string         `json:"source_type"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	PeriodType  string         `json:"period_type"`
	Value       *float64       `json:"value"`
	Unit        string         `json:"unit"`
	Revision    int64          `json:"revision"`
	Payload     map[string]any `json:"payload"`
}

type wireResponse struct {
	Records []wireRecord `json:"records"`
	Errors  []string     `json:"errors"`
}

// New creates an adapter for cfg
func New(log logrus.FieldLogger, cfg *Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", cfg.Name, err)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)

	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &Adapter{
		log:    log.WithField("source", cfg.Name),
		cfg:    cfg,
		client: client,
	}, nil
}

// Name implements source.Adapter
func (a *Adapter) Name() string {
	return strings.ToLower(a.cfg.Name)
}

// Fetch implements source.Adapter. Identifiers are requested in batches of
// identifiersPerCall. Provider reported errors mark the result unsuccessful
// but keep the records that did arrive.
func (a *Adapter) Fetch(ctx context.Context, q source.Query) ([]source.Record, source.Metadata, error) {
	meta := source.Metadata{Success: true}

	batches := batchIdentifiers(q.Identifiers, a.cfg.IdentifiersPerCall)
	records := make([]source.Record, 0)

	for _, batch := range batches {
		got, errs, err := a.fetchBatch(ctx, q.Start, q.End, batch)
		meta.APICalls++

		if err != nil {
			meta.Success = false
			meta.Errors = append(meta.Errors, err.Error())

			return nil, meta, err
		}

		if len(errs) > 0 {
			meta.Success = false
			meta.Errors = append(meta.Errors, errs...)
		}

		records = append(records, got...)
	}

	a.log.WithFields(logrus.Fields{
		"records":   len(records),
		"api_calls": meta.APICalls,
		"start":     q.Start.Format(time.RFC3339),
		"end":       q.End.Format(time.RFC3339),
	}).Debug("Fetched records")

	return records, meta, nil
}

func (a *Adapter) fetchBatch(ctx context.Context, start, end time.Time, identifiers []string) ([]source.Record, []string, error) {
	req := a.client.R().
		SetContext(ctx).
		SetQueryParam("start", start.UTC().Format(time.RFC3339)).
		SetQueryParam("end", end.UTC().Format(time.RFC3339))

	if len(identifiers) > 0 {
		req.SetQueryParam("identifiers", strings.Join(identifiers, ","))
	}

	resp, err := req.Get(a.cfg.Path)
	if err != nil {
		return nil, nil, &source.TransientError{Source: a.Name(), Err: err}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return nil, nil, &source.TransientError{
			Source:     a.Name(),
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			Err:        fmt.Errorf("status %d", code),
		}
	case code >= http.StatusBadRequest:
		return nil, nil, &source.DataIntegrityError{
			Source: a.Name(),
			Reason: fmt.Sprintf("request rejected with status %d: %s", code, truncate(resp.String(), 200)),
		}
	}

	var body wireResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, nil, &source.DataIntegrityError{Source: a.Name(), Reason: "undecodable response body", Err: err}
	}

	records := make([]source.Record, 0, len(body.Records))

	for i := range body.Records {
		w := &body.Records[i]
		if w.Value == nil {
			return nil, nil, &source.DataIntegrityError{
				Source: a.Name(),
				Reason: fmt.Sprintf("record %d for %s has no value", i, w.Identifier),
			}
		}

		records = append(records, source.Record{
			Identifier:  w.Identifier,
			SourceType:  store.SourceType(w.SourceType),
			PeriodStart: w.PeriodStart,
			PeriodEnd:   w.PeriodEnd,
			PeriodType:  w.PeriodType,
			Value:       *w.Value,
			Unit:        w.Unit,
			Revision:    w.Revision,
			Payload:     w.Payload,
		})
	}

	return records, body.Errors, nil
}

func batchIdentifiers(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return [][]string{nil}
	}

	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for size < len(ids) {
		ids, batches = ids[size:], append(batches, ids[:size])
	}

	return append(batches, ids)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}

var _ source.Adapter = (*Adapter)(nil)
