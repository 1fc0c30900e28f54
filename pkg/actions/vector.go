package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SimilarityQuery asks a vector collection for the passages closest to the
// user message.
type SimilarityQuery struct {
	Collection string
	Text       string
	TopK       int
	Threshold  float64
}

// SimilarityHit is one matched passage.
type SimilarityHit struct {
	Text  string
	Score float64
}

// VectorStore answers similarity queries for bot_content prompts.
type VectorStore interface {
	Search(ctx context.Context, bot string, query SimilarityQuery) ([]SimilarityHit, error)
}

// ---------------------------------------------------------------------------
// Qdrant REST adapter
// ---------------------------------------------------------------------------

// QdrantStore talks to a qdrant instance over its REST API. Embeddings are
// produced server-side by the configured inference pipeline; the query
// endpoint accepts raw text.
type QdrantStore struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

var _ VectorStore = (*QdrantStore)(nil)

func NewQdrantStore(baseURL, apiKey string) *QdrantStore {
	return &QdrantStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *QdrantStore) Search(ctx context.Context, bot string, query SimilarityQuery) ([]SimilarityHit, error) {
	collection := fmt.Sprintf("%s_%s_faq_embd", bot, query.Collection)
	body := map[string]interface{}{
		"query":           map[string]interface{}{"text": query.Text},
		"limit":           query.TopK,
		"score_threshold": query.Threshold,
		"with_payload":    true,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", s.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vector search returned %d", resp.StatusCode)
	}

	var out struct {
		Result struct {
			Points []struct {
				Score   float64 `json:"score"`
				Payload struct {
					Content string `json:"content"`
				} `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	hits := make([]SimilarityHit, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		hits = append(hits, SimilarityHit{Text: p.Payload.Content, Score: p.Score})
	}
	return hits, nil
}
