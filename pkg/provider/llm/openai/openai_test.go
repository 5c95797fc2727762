package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/lingobridge/pkg/provider/llm"
)

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p, err := New("key", "llama-3.1-8b-instant")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name    string
		req     llm.CompletionRequest
		wantLen int
		wantErr bool
	}{
		{
			name: "system prompt then user",
			req: llm.CompletionRequest{
				SystemPrompt: "Translate to Spanish.",
				Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
				Temperature:  0.3,
				MaxTokens:    1024,
			},
			wantLen: 2,
		},
		{
			name: "every role",
			req: llm.CompletionRequest{Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Translate."},
				{Role: llm.RoleUser, Content: "Hello!"},
				{Role: llm.RoleAssistant, Content: "¡Hola!"},
			}},
			wantLen: 3,
		},
		{
			name:    "unknown role",
			req:     llm.CompletionRequest{Messages: []llm.Message{{Role: "narrator", Content: "x"}}},
			wantErr: true,
		},
		{name: "no messages", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, err := p.buildParams(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if string(params.Model) != "llama-3.1-8b-instant" {
				t.Errorf("model = %q", params.Model)
			}
			if len(params.Messages) != tt.wantLen {
				t.Fatalf("messages = %d, want %d", len(params.Messages), tt.wantLen)
			}
			if params.Messages[0].OfSystem == nil {
				t.Error("first message is not the system prompt")
			}
			if params.Temperature.Value != tt.req.Temperature {
				t.Errorf("temperature = %v, want %v", params.Temperature.Value, tt.req.Temperature)
			}
			if params.MaxCompletionTokens.Value != int64(tt.req.MaxTokens) {
				t.Errorf("max tokens = %v, want %d", params.MaxCompletionTokens.Value, tt.req.MaxTokens)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("k", "m", WithTimeout(time.Second), WithMaxRetries(2), WithOrganization("org")); err != nil {
		t.Errorf("New with options: %v", err)
	}
}

func TestStreamCompletion_RejectedAtOpen(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p, err := New("bad", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	})
	if err == nil {
		for range ch {
		}
		t.Fatal("expected an open error for a 401 response")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("error = %v, want the HTTP status", err)
	}
}

func sseChunk(content, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`+"\n\n", content, fr)
}

func TestStreamCompletion(t *testing.T) {
	t.Parallel()
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hola", ",", "", " mundo", "."} {
			io.WriteString(w, sseChunk(tok, ""))
		}
		io.WriteString(w, sseChunk("", "stop"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("key", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		SystemPrompt: "Translate.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hello, world."}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text strings.Builder
	var finish string
	n := 0
	for c := range ch {
		n++
		if c.FinishReason == llm.FinishReasonError {
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text.String() != "Hola, mundo." {
		t.Errorf("text = %q, want %q", text.String(), "Hola, mundo.")
	}
	if n != 5 {
		t.Errorf("chunks = %d, want 5 without the empty delta", n)
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
	if !strings.Contains(gotBody, `"stream":true`) {
		t.Errorf("request body did not ask for streaming: %s", gotBody)
	}
}

func TestStreamCompletion_Truncated(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		body := sseChunk("Hola", "")
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: %d\r\n\r\n%s",
			len(body)+500, body)
		buf.Flush()
	}))
	defer srv.Close()

	p, err := New("key", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishReasonError || last.Err == nil {
		t.Fatalf("last chunk = %+v, want an error chunk", last)
	}
}
