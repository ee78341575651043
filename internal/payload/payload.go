// Package payload turns loosely shaped candidate JSON from upstream
// collectors into canonical records. Field aliases are resolved here so the
// rest of the pipeline only ever sees record.Record.
package payload

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/newsdedup/internal/record"
)

//go:embed candidate.schema.json
var candidateSchemaJSON string

var (
	urlKeys       = []string{"url", "link"}
	bodyKeys      = []string{"body", "summary", "description", "contents"}
	publishedKeys = []string{"published_at", "pub_date", "date"}
	sourceKeys    = []string{"source", "source_name"}
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// Issue describes one candidate that was rejected.
type Issue struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type Batch struct {
	Records []record.Record
	Issues  []Issue
}

// Scanned is the number of candidates read, valid or not.
func (b Batch) Scanned() int {
	return len(b.Records) + len(b.Issues)
}

// ReadFile decodes a candidate file. Missing files are an error; an empty
// list is a valid batch.
func ReadFile(path string) (Batch, error) {
	file, err := os.Open(path)
	if err != nil {
		return Batch{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	batch, err := Decode(file)
	if err != nil {
		return Batch{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return batch, nil
}

// Decode accepts either a JSON array of candidates or an object wrapping one
// under "records", "articles" or "items".
func Decode(r io.Reader) (Batch, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Batch{}, err
	}
	items, err := splitItems(raw)
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	for i, item := range items {
		rec, err := Normalize(item)
		if err != nil {
			batch.Issues = append(batch.Issues, Issue{Index: i, Error: err.Error()})
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// Normalize validates one candidate object and maps its aliases onto a Record.
func Normalize(raw json.RawMessage) (record.Record, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return record.Record{}, fmt.Errorf("decode candidate JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return record.Record{}, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return record.Record{}, fmt.Errorf("schema validation failed: %w", err)
	}

	fields, ok := value.(map[string]any)
	if !ok {
		return record.Record{}, fmt.Errorf("candidate must be a JSON object")
	}

	rec := record.Record{
		URL:        record.NormalizeURL(firstString(fields, urlKeys)),
		Title:      strings.TrimSpace(stringField(fields, "title")),
		Body:       strings.TrimSpace(firstString(fields, bodyKeys)),
		Source:     strings.TrimSpace(firstString(fields, sourceKeys)),
		SourceType: strings.ToLower(strings.TrimSpace(stringField(fields, "source_type"))),
	}
	if rec.URL == "" {
		return record.Record{}, fmt.Errorf("url must not be empty")
	}
	if rec.Title == "" && rec.Body == "" {
		return record.Record{}, fmt.Errorf("title or body is required")
	}

	if rawDate := strings.TrimSpace(firstString(fields, publishedKeys)); rawDate != "" {
		publishedAt, err := ParseDate(rawDate)
		if err != nil {
			return record.Record{}, err
		}
		rec.PublishedAt = &publishedAt
	}
	return rec, nil
}

// ParseDate accepts the date layouts collectors commonly emit and returns UTC.
func ParseDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("published date %q is not in a supported format", trimmed)
}

func splitItems(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, err
		}
		for _, key := range []string{"records", "articles", "items"} {
			inner, ok := wrapper[key]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			return items, nil
		}
		return nil, fmt.Errorf("object payload must hold a records, articles or items array")
	default:
		return nil, fmt.Errorf("payload must be a JSON array or object")
	}
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("candidate.schema.json", strings.NewReader(candidateSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("candidate.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("candidate is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("candidate contains trailing content")
	}
	return value, nil
}

// firstString returns the first non-blank string among keys, in key order.
func firstString(fields map[string]any, keys []string) string {
	for _, key := range keys {
		if value := stringField(fields, key); strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return value
}
