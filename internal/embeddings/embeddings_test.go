package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

func TestOllamaEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Model != "test-embed" || req.Prompt != "docker" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float64{0.5, -0.25, 1}})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(server.URL+"/", "test-embed")
	vec, err := e.Embed(context.Background(), "docker")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -0.25 {
		t.Errorf("vec = %v", vec)
	}

	t.Run("error status", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer failing.Close()

		if _, err := NewOllamaEmbedder(failing.URL, "").Embed(context.Background(), "x"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(0)

	a, _ := e.Embed(ctx, "Docker containers package applications")
	b, _ := e.Embed(ctx, "docker containers")
	c, _ := e.Embed(ctx, "sourdough bread recipe")
	again, _ := e.Embed(ctx, "Docker containers package applications")

	if len(a) != FallbackDimensions {
		t.Fatalf("dims = %d", len(a))
	}
	if vectordb.CosineSimilarity(a, again) < 0.9999 {
		t.Error("embedding is not deterministic")
	}
	if vectordb.CosineSimilarity(a, b) <= vectordb.CosineSimilarity(a, c) {
		t.Error("shared words should score higher than unrelated text")
	}

	empty, err := e.Embed(ctx, "  ")
	if err != nil || len(empty) != FallbackDimensions {
		t.Errorf("empty text: %v %d", err, len(empty))
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "fallback:384"},
		{Config{Provider: "openai"}, "fallback:384"},
		{Config{Provider: "openai", APIKey: "k"}, "openai:text-embedding-3-small"},
		{Config{Provider: "ollama"}, "ollama:nomic-embed-text"},
		{Config{Provider: "mystery"}, "fallback:384"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := New(tt.cfg).Name(); got != tt.want {
				t.Errorf("Name = %s, want %s", got, tt.want)
			}
		})
	}
}
