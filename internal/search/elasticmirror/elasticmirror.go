// Package elasticmirror copies audit records into an Elasticsearch index for operator search.
package elasticmirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
)

const defaultIndex = "arena_audit"

var ErrInvalidMirrorConfig = errors.New("invalid elasticsearch mirror config")

const indexMapping = `{
	"mappings": {
		"properties": {
			"record_id": { "type": "keyword" },
			"subject_type": { "type": "keyword" },
			"subject_id": { "type": "keyword" },
			"actor_id": { "type": "keyword" },
			"action": { "type": "keyword" },
			"flag": { "type": "keyword" },
			"before": { "type": "object", "enabled": false },
			"after": { "type": "object", "enabled": false },
			"created_at": { "type": "date" }
		}
	}
}`

// Config holds connection settings.
type Config struct {
	URL       string
	Username  string
	Password  string
	Index     string
	Transport http.RoundTripper
}

// Mirror implements audit.Mirror.
type Mirror struct {
	client *elasticsearch.Client
	index  string
}

type document struct {
	RecordID    string          `json:"record_id"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	ActorID     string          `json:"actor_id"`
	Action      string          `json:"action"`
	Flag        string          `json:"flag,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New builds a Mirror. It does not contact the cluster; call EnsureIndex for that.
func New(config Config) (*Mirror, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidMirrorConfig)
	}
	clientConfig := elasticsearch.Config{
		Addresses: []string{config.URL},
		Transport: config.Transport,
	}
	if config.Username != "" && config.Password != "" {
		clientConfig.Username = config.Username
		clientConfig.Password = config.Password
	}
	client, err := elasticsearch.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}
	index := strings.TrimSpace(config.Index)
	if index == "" {
		index = defaultIndex
	}
	return &Mirror{client: client, index: index}, nil
}

// Index returns the target index name.
func (mirror *Mirror) Index() string {
	return mirror.index
}

// EnsureIndex creates the index with its mapping when it does not exist yet.
func (mirror *Mirror) EnsureIndex(ctx context.Context) error {
	res, err := mirror.client.Indices.Exists([]string{mirror.index}, mirror.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error checking if audit index exists: %w", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		if res.IsError() {
			return fmt.Errorf("error checking if audit index exists: %s", res.String())
		}
		return nil
	}
	req := esapi.IndicesCreateRequest{
		Index: mirror.index,
		Body:  strings.NewReader(indexMapping),
	}
	res, err = req.Do(ctx, mirror.client)
	if err != nil {
		return fmt.Errorf("error creating audit index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("error creating audit index: %s", res.String())
	}
	return nil
}

// Mirror indexes record under its id, so a retried write overwrites instead of duplicating.
func (mirror *Mirror) Mirror(ctx context.Context, record audit.Record) error {
	jsonData, err := json.Marshal(document{
		RecordID:    record.ID,
		SubjectType: string(record.SubjectType),
		SubjectID:   record.SubjectID,
		ActorID:     record.ActorID,
		Action:      record.Action,
		Flag:        record.Flag,
		Before:      record.Before,
		After:       record.After,
		CreatedAt:   record.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("error marshaling audit record: %w", err)
	}
	res, err := mirror.client.Index(
		mirror.index,
		bytes.NewReader(jsonData),
		mirror.client.Index.WithContext(ctx),
		mirror.client.Index.WithDocumentID(record.ID),
	)
	if err != nil {
		return fmt.Errorf("error indexing audit record: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("error indexing audit record: %s", res.String())
	}
	return nil
}
