package embedding

import (
	"context"
	"math"
	"testing"
)

// dot is cosine similarity for the unit vectors HashEmbedder returns.
func dot(a, b Vector) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestNew_Disabled(t *testing.T) {
	e, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != nil {
		t.Error("expected nil embedder when no provider configured")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Options{Provider: "word2vec"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNew_OpenAIRequiresKey(t *testing.T) {
	if _, err := New(Options{Provider: "openai"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestHashEmbedder_SharedWordsAreCloser(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	deploy, _ := e.Embed(ctx, "deploy the service with blue green rollout")
	rollout, _ := e.Embed(ctx, "blue green rollout strategy")
	lunch, _ := e.Embed(ctx, "pizza for lunch")

	near := dot(deploy, rollout)
	far := dot(deploy, lunch)
	if near <= far {
		t.Errorf("expected shared-word similarity %f > unrelated %f", near, far)
	}
	if len(deploy) != e.Dims() {
		t.Errorf("expected %d dims, got %d", e.Dims(), len(deploy))
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, _ := e.Embed(context.Background(), "same text")
	b, _ := e.Embed(context.Background(), "Same, TEXT")
	if dot(a, b) < 0.999 {
		t.Error("expected identical vectors for the same words")
	}
}

func TestHashEmbedder_UnitLength(t *testing.T) {
	e := NewHashEmbedder(32)
	v, _ := e.Embed(context.Background(), "deploy deploy rollback")
	if got := math.Sqrt(dot(v, v)); math.Abs(got-1) > 1e-6 {
		t.Errorf("expected unit vector, got norm %f", got)
	}

	empty, _ := e.Embed(context.Background(), "!!!")
	if dot(empty, empty) != 0 {
		t.Error("expected zero vector for text without words")
	}
}
