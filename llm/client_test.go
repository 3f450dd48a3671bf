package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/teilomillet/gollm"
	gollmllm "github.com/teilomillet/gollm/llm"
)

// fakeGenerator mimics gollm's shared-model behavior: SetOption("model")
// mutates state that every subsequent Generate reads.
type fakeGenerator struct {
	mu    sync.Mutex
	model string
	seen  []string
}

func (g *fakeGenerator) SetOption(key string, value interface{}) {
	if key != "model" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model = value.(string)
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...gollmllm.GenerateOption) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, g.model)
	return g.model, nil
}

func newFakeClient(model string) (*GollmClient, *fakeGenerator) {
	fake := &fakeGenerator{model: model}
	return &GollmClient{provider: "test", model: model, active: model, llm: fake}, fake
}

func TestCompleteModelOverrideSequence(t *testing.T) {
	client, fake := newFakeClient("root-model")

	// Root, then sub-query, then root again: the override must not stick.
	for _, model := range []string{"root-model", "sub-model", "root-model"} {
		resp, err := client.Complete(context.Background(), Request{Model: model})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Model != model {
			t.Errorf("response model: got %q, want %q", resp.Model, model)
		}
	}

	want := []string{"root-model", "sub-model", "root-model"}
	if len(fake.seen) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(fake.seen))
	}
	for i, m := range want {
		if fake.seen[i] != m {
			t.Errorf("call %d ran on %q, want %q", i, fake.seen[i], m)
		}
	}
}

func TestCompleteEmptyModelUsesDefault(t *testing.T) {
	client, fake := newFakeClient("root-model")

	resp, err := client.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "root-model" {
		t.Errorf("response model: got %q, want root-model", resp.Model)
	}
	if len(fake.seen) != 1 || fake.seen[0] != "root-model" {
		t.Errorf("call ran on %v, want [root-model]", fake.seen)
	}
}

func TestCompleteModelOverrideConcurrent(t *testing.T) {
	client, _ := newFakeClient("root-model")

	// The fake's Generate returns the model it actually ran on, so each
	// caller can verify its own call was not crossed by a concurrent swap.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		model := "root-model"
		if i%2 == 1 {
			model = "sub-model"
		}
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			resp, err := client.Complete(context.Background(), Request{Model: model})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if got := resp.Text(); got != model {
				t.Errorf("completion ran on %q, want %q", got, model)
			}
		}(model)
	}
	wg.Wait()
}
