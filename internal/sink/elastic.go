package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/reading"
)

// ElasticConfig holds Elasticsearch destination configuration
type ElasticConfig struct {
	Address  string
	Username string
	Password string
	Index    string
	Shards   int
	Replicas int
	// Transport overrides the HTTP transport, for tests
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// ElasticDestination appends records to an Elasticsearch index via _bulk
type ElasticDestination struct {
	client   *elasticsearch.Client
	index    string
	shards   int
	replicas int
	logger   *zap.Logger
}

// NewElasticDestination creates a client. Retries are left to IndexSink.
func NewElasticDestination(cfg ElasticConfig) (*ElasticDestination, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.Address},
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    cfg.Transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("[ELASTICSEARCH] failed to create client: %w", err)
	}

	return &ElasticDestination{
		client:   client,
		index:    cfg.Index,
		shards:   cfg.Shards,
		replicas: cfg.Replicas,
		logger:   cfg.Logger,
	}, nil
}

// RegisterLifecycle pings the cluster and bootstraps the index on start
func (d *ElasticDestination) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.logger.Info("attempting to connect to elasticsearch...")
			if err := d.Ping(ctx); err != nil {
				d.logger.Error("elasticsearch ping failed", zap.Error(err))
				return fmt.Errorf("[ELASTICSEARCH CONNECTION FAILED] cannot reach Elasticsearch. Please check: 1) Elasticsearch is running, 2) ELASTICSEARCH_HOST/PORT are correct, 3) Credentials are valid. Error: %w", err)
			}
			d.logger.Info("elasticsearch connection established successfully")
			return d.EnsureIndex(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return d.Close()
		},
	})
}

// Ping checks the cluster answers
func (d *ElasticDestination) Ping(ctx context.Context) error {
	res, err := d.client.Info(d.client.Info.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("info", res)
	}
	return nil
}

// EnsureIndex creates the index with the fixed mapping unless it exists.
// Existing indices are left untouched.
func (d *ElasticDestination) EnsureIndex(ctx context.Context) error {
	res, err := d.client.Indices.Exists([]string{d.index}, d.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", d.index, err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		d.logger.Info("index already exists", zap.String("index", d.index))
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("failed to check index %s: unexpected status %d", d.index, res.StatusCode)
	}

	body, err := json.Marshal(IndexDefinition(d.shards, d.replicas))
	if err != nil {
		return fmt.Errorf("failed to marshal index definition: %w", err)
	}

	res, err = d.client.Indices.Create(d.index,
		d.client.Indices.Create.WithBody(bytes.NewReader(body)),
		d.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", d.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		rerr := responseError("create index", res)
		// another instance won the race
		if strings.Contains(rerr.Error(), "resource_already_exists_exception") {
			return nil
		}
		return rerr
	}

	d.logger.Info("index created", zap.String("index", d.index))
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkAppend indexes records with auto-generated ids. Item-level failures
// are reported as a PartialWriteError.
func (d *ElasticDestination) BulkAppend(ctx context.Context, records []reading.EnrichedRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		buf.WriteString(`{"index":{}}` + "\n")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}

	res, err := d.client.Bulk(bytes.NewReader(buf.Bytes()),
		d.client.Bulk.WithIndex(d.index),
		d.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("bulk", res)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	partial := &PartialWriteError{}
	for i, item := range parsed.Items {
		for _, result := range item {
			if result.Error != nil || result.Status >= 300 {
				partial.Failed = append(partial.Failed, i)
				if partial.Reason == "" && result.Error != nil {
					partial.Reason = result.Error.Type + ": " + result.Error.Reason
				}
			}
		}
	}
	if len(partial.Failed) == 0 {
		return fmt.Errorf("bulk response flagged errors without failed items")
	}
	return partial
}

// Close releases idle connections
func (d *ElasticDestination) Close() error {
	if t, ok := d.client.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("%s failed: %s: %s", op, res.Status(), strings.TrimSpace(string(body)))
}

// IndexDefinition returns the settings and mapping of the destination index
func IndexDefinition(shards, replicas int) map[string]any {
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":   shards,
				"number_of_replicas": replicas,
				"analysis": map[string]any{
					"analyzer": map[string]any{
						"custom_analyzer": map[string]any{
							"type":      "custom",
							"tokenizer": "standard",
							"filter":    []string{"lowercase", "asciifolding"},
						},
					},
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"Timestamp":           map[string]any{"type": "date", "format": "yyyy-MM-dd HH:mm:ss"},
				"Temperature_Celsius": map[string]any{"type": "float"},
				"Relative_Humidity":   map[string]any{"type": "float"},
				"temp_bin":            map[string]any{"type": "integer"},
				"month":               map[string]any{"type": "integer"},
				"day":                 map[string]any{"type": "integer"},
				"year":                map[string]any{"type": "integer"},
				"season":              map[string]any{"type": "keyword"},
				"day_night":           map[string]any{"type": "keyword"},
			},
		},
	}
}
