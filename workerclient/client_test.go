package workerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["prompt"]; !ok {
			t.Error("expected request body to carry a prompt key")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "abc-123"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.Submit(context.Background(), map[string]any{"3": map[string]any{"class_type": "KSampler"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "abc-123" {
		t.Errorf("expected prompt id abc-123, got %s", id)
	}
}

func TestWaitSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]HistoryRecord{
			"abc-123": {
				Status: Status{Completed: true},
				Outputs: map[string]NodeOutput{
					"9": {Images: []ImageRef{{Filename: "x.png", Subfolder: "", Type: "output"}}},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	outcome, err := c.Wait(context.Background(), "abc-123", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Error != "" {
		t.Fatalf("expected success, got error %q", outcome.Error)
	}
	if len(outcome.Images) != 1 || outcome.Images[0].Filename != "x.png" {
		t.Errorf("unexpected images: %v", outcome.Images)
	}
}

func TestWaitFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]HistoryRecord{
			"abc-123": {
				Status: Status{
					Completed: false,
					StatusStr: "error",
					Messages:  [][]string{{"error", "CLIP input is invalid"}},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	outcome, err := c.Wait(context.Background(), "abc-123", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Error != "CLIP input is invalid" {
		t.Errorf("unexpected error message: %q", outcome.Error)
	}
	if !IsTransientFailure(outcome.Error) {
		t.Error("expected CLIP input is invalid to be classified transient")
	}
}

func TestWaitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]HistoryRecord{})
	}))
	defer srv.Close()

	c := New(srv.URL)
	outcome, err := c.Wait(context.Background(), "abc-123", 30*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Error == "" {
		t.Error("expected a timeout error")
	}
	if IsTransientFailure(outcome.Error) {
		t.Error("timeout should not be classified as a transient model-load error")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "x.png" {
			t.Errorf("expected filename=x.png, got %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte("fake-image-bytes"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	data, err := c.Fetch(context.Background(), "x.png", "", "output")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "fake-image-bytes" {
		t.Errorf("unexpected fetch bytes: %s", data)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "uploaded.png"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	name, err := c.Upload(context.Background(), []byte("data"), "source.png")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if name != "uploaded.png" {
		t.Errorf("expected uploaded.png, got %s", name)
	}
}

func TestIsTransientFailure(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"CLIP input is invalid", true},
		{"clip input is invalid", true},
		{"none", true},
		{"model output is None", true},
		{"timed out waiting for worker", false},
		{"out of memory", false},
		{"someone is using the GPU", false},
	}
	for _, tc := range tests {
		if got := IsTransientFailure(tc.msg); got != tc.want {
			t.Errorf("IsTransientFailure(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}
