package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdobrica/Aibou/common/retry"
)

func TestRequestMessages(t *testing.T) {
	req := Request{
		Instruction: "R\n\nP",
		History: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hey"},
		},
		UserText: "how are you",
	}
	msgs := req.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content != "R\n\nP" {
		t.Errorf("unexpected system message %+v", msgs[0])
	}
	if msgs[3].Role != RoleUser || msgs[3].Content != "how are you" {
		t.Errorf("unexpected last message %+v", msgs[3])
	}
}

func TestOpenAI_Generate(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected Authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hey you 😊 "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	temp := 0.9
	reply, err := c.Generate(context.Background(), Request{
		Instruction: "be nice",
		UserText:    "hello",
		Temperature: &temp,
		MaxTokens:   150,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "hey you 😊" {
		t.Errorf("expected trimmed reply, got %q", reply)
	}
	if got.Model != defaultModel {
		t.Errorf("expected default model %q, got %q", defaultModel, got.Model)
	}
	if got.MaxTokens != 150 || got.Temperature == nil || *got.Temperature != 0.9 {
		t.Errorf("unexpected parameters: max_tokens=%d temperature=%v", got.MaxTokens, got.Temperature)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != RoleSystem {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, want: ErrRateLimited},
		{name: "server error", status: http.StatusBadGateway, body: `bad gateway`, want: ErrUpstream},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"bad model"}}`, want: ErrRejected},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, want: ErrEmptyReply},
		{name: "api error body", status: http.StatusOK, body: `{"error":{"message":"boom","type":"server_error"}}`, want: ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Generate(context.Background(), Request{UserText: "x"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOpenAI_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL}).Generate(ctx, Request{UserText: "x"})
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected upstream deadline error, got %v", err)
	}
}

func TestDemo(t *testing.T) {
	d := NewDemo()
	tests := []struct {
		text string
		want string
	}{
		{text: "Hello there", want: "hey! nice to meet you 😊 how's your day going?"},
		{text: "do you like MUSIC?", want: "ooh music! I've had the same song on repeat all week. what are you listening to?"},
		{text: "this is something else", want: demoFallbacks[0]},
	}
	for _, tt := range tests {
		got, err := d.Generate(context.Background(), Request{UserText: tt.text})
		if err != nil {
			t.Fatalf("Generate(%q): %v", tt.text, err)
		}
		if got != tt.want {
			t.Errorf("Generate(%q): expected %q, got %q", tt.text, tt.want, got)
		}
	}
}

func TestWithRetry(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}

	calls := 0
	flaky := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrRateLimited
		}
		return "finally", nil
	})
	reply, err := WithRetry(flaky, cfg, nil).Generate(context.Background(), Request{UserText: "x"})
	if err != nil || reply != "finally" {
		t.Fatalf("expected eventual success, got %q, %v", reply, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	calls = 0
	rejected := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		calls++
		return "", ErrRejected
	})
	if _, err := WithRetry(rejected, cfg, nil).Generate(context.Background(), Request{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected rejected request not to be retried, got %d calls", calls)
	}
}

func TestOpenAI_ZeroTemperatureIsSent(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	zero := 0.0
	if _, err := c.Generate(context.Background(), Request{UserText: "hi", Temperature: &zero}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	temp, ok := raw["temperature"]
	if !ok {
		t.Fatal("expected temperature 0 to be sent, field was omitted")
	}
	if temp != 0.0 {
		t.Errorf("expected temperature 0, got %v", temp)
	}

	raw = nil
	if _, err := c.Generate(context.Background(), Request{UserText: "hi"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, ok := raw["temperature"]; ok {
		t.Error("expected temperature to be omitted when unset")
	}
}

func TestWithOverrides(t *testing.T) {
	var got Request
	next := ClientFunc(func(_ context.Context, req Request) (string, error) {
		got = req
		return "ok", nil
	})

	hot, cold := 0.9, 0.0
	c := WithOverrides(next, Overrides{Model: "llama3", Temperature: &cold})
	if _, err := c.Generate(context.Background(), Request{Model: "gpt-4o-mini", Temperature: &hot, MaxTokens: 150}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Model != "llama3" || got.Temperature == nil || *got.Temperature != 0 || got.MaxTokens != 150 {
		t.Errorf("unexpected request: %+v", got)
	}

	c = WithOverrides(next, Overrides{})
	if _, err := c.Generate(context.Background(), Request{Model: "gpt-4o-mini", Temperature: &hot}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Model != "gpt-4o-mini" || got.Temperature == nil || *got.Temperature != 0.9 {
		t.Errorf("expected template parameters untouched, got %+v", got)
	}
}
