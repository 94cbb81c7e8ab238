// Package index manages the search index: template and lifecycle
// bootstrap, idempotent document writes through the rollover alias, and
// a time-ranged search helper.
package index

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/models"
)

const (
	TemplateName = "libresiem-logs"
	PolicyName   = "libresiem-logs"
	WriteAlias   = "logs-write"
	IndexPattern = "logs-*"
)

// Writer wraps the Elasticsearch client for the pipeline's index needs.
type Writer struct {
	es       *elasticsearch.Client
	pipeline string
	logger   *log.Logger
	now      func() time.Time
}

func NewWriter(cfg config.ElasticsearchSettings) (*Writer, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses(),
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if !cfg.SSLVerify {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("build elasticsearch client: %w", err)
	}
	return &Writer{
		es:       es,
		pipeline: cfg.Pipeline,
		logger:   log.New(log.Writer(), "[INDEX] ", log.LstdFlags),
		now:      time.Now,
	}, nil
}

// Bootstrap installs the index template and lifecycle policy, then
// makes sure a write-aliased index exists. Safe to run on every start.
func (w *Writer) Bootstrap(ctx context.Context) error {
	if err := w.putTemplate(ctx); err != nil {
		return err
	}
	if err := w.putLifecycle(ctx); err != nil {
		return err
	}
	return w.ensureWriteIndex(ctx)
}

func (w *Writer) putTemplate(ctx context.Context) error {
	body, err := json.Marshal(indexTemplate())
	if err != nil {
		return err
	}
	res, err := w.es.Indices.PutIndexTemplate(TemplateName, bytes.NewReader(body),
		w.es.Indices.PutIndexTemplate.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("put index template: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("put index template: %s", resError(res))
	}
	w.logger.Printf("✅ index template %s installed", TemplateName)
	return nil
}

func (w *Writer) putLifecycle(ctx context.Context) error {
	body, err := json.Marshal(lifecyclePolicy())
	if err != nil {
		return err
	}
	res, err := w.es.ILM.PutLifecycle(PolicyName,
		w.es.ILM.PutLifecycle.WithBody(bytes.NewReader(body)),
		w.es.ILM.PutLifecycle.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("put lifecycle policy: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("put lifecycle policy: %s", resError(res))
	}
	w.logger.Printf("✅ lifecycle policy %s installed", PolicyName)
	return nil
}

func (w *Writer) ensureWriteIndex(ctx context.Context) error {
	res, err := w.es.Indices.ExistsAlias([]string{WriteAlias},
		w.es.Indices.ExistsAlias.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check write alias: %w", err)
	}
	res.Body.Close()

	current := CurrentIndexName(w.now())
	if res.StatusCode == http.StatusNotFound {
		body := fmt.Sprintf(`{"aliases": {%q: {"is_write_index": true}}}`, WriteAlias)
		createRes, err := w.es.Indices.Create(current,
			w.es.Indices.Create.WithBody(strings.NewReader(body)),
			w.es.Indices.Create.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("create initial index: %w", err)
		}
		defer createRes.Body.Close()
		if createRes.IsError() {
			return fmt.Errorf("create initial index: %s", resError(createRes))
		}
		w.logger.Printf("✅ created index %s with write alias %s", current, WriteAlias)
		return nil
	}

	existsRes, err := w.es.Indices.Exists([]string{current},
		w.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check current index: %w", err)
	}
	existsRes.Body.Close()
	if existsRes.StatusCode == http.StatusNotFound {
		rollRes, err := w.es.Indices.Rollover(WriteAlias,
			w.es.Indices.Rollover.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("rollover: %w", err)
		}
		defer rollRes.Body.Close()
		if rollRes.IsError() {
			return fmt.Errorf("rollover: %s", resError(rollRes))
		}
		w.logger.Printf("✅ rolled over write alias into %s", current)
	}
	return nil
}

// Store indexes one event through the write alias. The document id is
// the event fingerprint, so a redelivered message overwrites its own
// document instead of duplicating it.
func (w *Writer) Store(ctx context.Context, event *models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize event for index: %w", err)
	}

	opts := []func(*esapi.IndexRequest){
		w.es.Index.WithContext(ctx),
		w.es.Index.WithDocumentID(event.Fingerprint()),
	}
	if w.pipeline != "" {
		opts = append(opts, w.es.Index.WithPipeline(w.pipeline))
	}

	res, err := w.es.Index(WriteAlias, bytes.NewReader(body), opts...)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index event: %s", resError(res))
	}
	return nil
}

// Search runs query over all log indices, optionally wrapped in a
// timestamp range filter.
func (w *Writer) Search(ctx context.Context, query map[string]interface{}, start, end *time.Time, size, from int) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": SearchQuery(query, start, end),
	})
	if err != nil {
		return nil, err
	}

	res, err := w.es.Search(
		w.es.Search.WithContext(ctx),
		w.es.Search.WithIndex(IndexPattern),
		w.es.Search.WithBody(bytes.NewReader(body)),
		w.es.Search.WithSize(size),
		w.es.Search.WithFrom(from),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search: %s", resError(res))
	}

	var out map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out, nil
}

// Ping checks cluster reachability for health output.
func (w *Writer) Ping(ctx context.Context) error {
	res, err := w.es.Ping(w.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

// CurrentIndexName is the monthly index for t: logs-YYYY.MM.
func CurrentIndexName(t time.Time) string {
	return fmt.Sprintf("logs-%04d.%02d", t.Year(), int(t.Month()))
}

// SearchQuery wraps query in a bool-must with a timestamp range filter
// when a bound is given; without bounds the query passes through as-is.
func SearchQuery(query map[string]interface{}, start, end *time.Time) map[string]interface{} {
	if start == nil && end == nil {
		return query
	}
	rng := map[string]interface{}{}
	if start != nil {
		rng["gte"] = start.Format(time.RFC3339)
	}
	if end != nil {
		rng["lte"] = end.Format(time.RFC3339)
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"must": []interface{}{query},
			"filter": []interface{}{
				map[string]interface{}{
					"range": map[string]interface{}{"timestamp": rng},
				},
			},
		},
	}
}

func resError(res *esapi.Response) string {
	raw, err := io.ReadAll(res.Body)
	if err != nil || len(raw) == 0 {
		return res.Status()
	}
	return string(raw)
}
