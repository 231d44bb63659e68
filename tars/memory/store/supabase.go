package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// ErrRemote wraps error payloads returned by the managed store.
var ErrRemote = errors.New("supabase error")

// SupabaseAPI is the slice of the Supabase client the store needs.
type SupabaseAPI interface {
	// Rpc calls a database function and returns the raw response body.
	Rpc(name, count string, body any) string
	// Insert writes one row and returns the inserted representation.
	Insert(table string, row any) ([]byte, error)
}

type supabaseREST struct {
	client *supabase.Client
}

// NewSupabaseAPI creates a client for the project at url.
func NewSupabaseAPI(url, apiKey string) (SupabaseAPI, error) {
	client, err := supabase.NewClient(url, apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize supabase client: %w", err)
	}
	return supabaseREST{client: client}, nil
}

func (s supabaseREST) Rpc(name, count string, body any) string {
	return s.client.Rpc(name, count, body)
}

func (s supabaseREST) Insert(table string, row any) ([]byte, error) {
	data, _, err := s.client.From(table).Insert(row, false, "", "representation", "").Execute()
	return data, err
}

// matchResultSchema describes the rows returned by the match_* functions.
const matchResultSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "anyOf": [{"required": ["content"]}, {"required": ["text"]}],
    "properties": {
      "content": {"type": "string"},
      "text": {"type": "string"},
      "similarity": {"type": "number"}
    }
  }
}`

// insertResultSchema describes the representation returned after an insert.
const insertResultSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["id"],
    "properties": {
      "id": {"type": ["string", "integer"]}
    }
  }
}`

type supabaseRow struct {
	Text              string    `json:"text"`
	PreviousMessageID *string   `json:"previousMessageId"`
	Self              bool      `json:"self"`
	Embedding         []float32 `json:"embedding"`
}

type supabaseMatchRequest struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	MatchThreshold float64   `json:"match_threshold"`
	MatchCount     int       `json:"match_count"`
}

type supabaseErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Hint    string `json:"hint"`
}

// Supabase stores turns in Postgres tables and matches them through RPC
// functions backed by pgvector.
type Supabase struct {
	api       SupabaseAPI
	tables    map[persona.Partition]string
	functions map[persona.Partition]string
	matchDoc  *gojsonschema.Schema
	insertDoc *gojsonschema.Schema
	logger    zerolog.Logger
}

// NewSupabase creates the store using the configured table and function names.
func NewSupabase(api SupabaseAPI, cfg config.SupabaseConfig, logger zerolog.Logger) (*Supabase, error) {
	matchDoc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(matchResultSchema))
	if err != nil {
		return nil, fmt.Errorf("compile match schema: %w", err)
	}
	insertDoc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(insertResultSchema))
	if err != nil {
		return nil, fmt.Errorf("compile insert schema: %w", err)
	}
	return &Supabase{
		api: api,
		tables: map[persona.Partition]string{
			persona.PartitionTARS: cfg.TarsTable,
			persona.PartitionCASE: cfg.CaseTable,
		},
		functions: map[persona.Partition]string{
			persona.PartitionTARS:      cfg.MatchTarsFunction,
			persona.PartitionCASE:      cfg.MatchCaseFunction,
			persona.PartitionDocuments: cfg.MatchDocumentsFunction,
		},
		matchDoc:  matchDoc,
		insertDoc: insertDoc,
		logger:    logger.With().Str("component", "store.supabase").Logger(),
	}, nil
}

// Insert writes {text, previousMessageId, self, embedding} to the persona table.
func (s *Supabase) Insert(ctx context.Context, partition persona.Partition, turn Turn) (string, error) {
	if err := writablePartition(partition); err != nil {
		return "", err
	}
	if err := turn.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	table := s.tables[partition]
	data, err := s.api.Insert(table, supabaseRow{
		Text:              turn.Text,
		PreviousMessageID: turn.PreviousMessageID,
		Self:              turn.Self,
		Embedding:         turn.Embedding,
	})
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}

	if err := s.validate(s.insertDoc, data); err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	var inserted []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &inserted); err != nil {
		return "", fmt.Errorf("decode insert result: %w", err)
	}
	id := strings.Trim(string(inserted[0].ID), `"`)

	s.logger.Debug().Str("table", table).Str("id", id).Msg("Turn persisted")
	return id, nil
}

// Match calls the partition's match function.
func (s *Supabase) Match(ctx context.Context, partition persona.Partition, q Query) ([]RetrievedLog, error) {
	fn, ok := s.functions[partition]
	if !ok || fn == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}
	if err := validQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body := s.api.Rpc(fn, "", supabaseMatchRequest{
		QueryEmbedding: q.Embedding,
		MatchThreshold: q.Threshold,
		MatchCount:     q.Count,
	})
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("rpc %s: %w: empty response", fn, ErrRemote)
	}
	if err := s.validate(s.matchDoc, []byte(body)); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", fn, err)
	}

	var rows []matchRow
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, fmt.Errorf("decode rpc %s: %w", fn, err)
	}
	logs := make([]RetrievedLog, 0, len(rows))
	for _, r := range rows {
		content := r.Content
		if content == "" {
			content = r.Text
		}
		logs = append(logs, RetrievedLog{Content: content, Similarity: r.Similarity})
	}
	return logs, nil
}

// matchRow is one match_* result. Log functions return content, match_documents
// may return the raw text column instead.
type matchRow struct {
	Content    string  `json:"content"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// validate checks a response against schema, turning PostgREST error objects
// into ErrRemote.
func (s *Supabase) validate(schema *gojsonschema.Schema, data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var e supabaseErrorBody
		if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
			return fmt.Errorf("%w: %s (code %s)", ErrRemote, e.Message, e.Code)
		}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrRemote, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: unexpected response: %s", ErrRemote, strings.Join(msgs, "; "))
	}
	return nil
}

// Ping issues a zero-row match. Any reply, including a PostgREST error
// object, counts as reachable.
func (s *Supabase) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := s.api.Rpc(s.functions[persona.PartitionTARS], "", supabaseMatchRequest{
		QueryEmbedding: []float32{0},
		MatchThreshold: 1,
		MatchCount:     0,
	})
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: no response from %s", ErrRemote, s.functions[persona.PartitionTARS])
	}
	return nil
}

func (s *Supabase) Close() error { return nil }

var _ LogStore = (*Supabase)(nil)
