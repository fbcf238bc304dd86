// Package testutil provides shared test helpers.
package testutil

import (
	"net/http"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// Reply is one canned backend response.
type Reply struct {
	Method string
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// NewReplayRecorder writes the replies to a cassette in a temporary directory
// and returns a recorder replaying them in order. Requests are matched on
// method and URL only.
func NewReplayRecorder(t *testing.T, replies ...Reply) *recorder.Recorder {
	t.Helper()

	name := filepath.Join(t.TempDir(), "cassette")
	c := cassette.New(name)
	for _, r := range replies {
		method := r.Method
		if method == "" {
			method = http.MethodPost
		}
		c.AddInteraction(&cassette.Interaction{
			Request: cassette.Request{
				Method: method,
				URL:    r.URL,
			},
			Response: cassette.Response{
				Code:    r.Status,
				Status:  http.StatusText(r.Status),
				Headers: r.Header,
				Body:    string(r.Body),
			},
		})
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Failed to save cassette: %v", err)
	}

	rec, err := recorder.NewAsMode(name, recorder.ModeReplaying, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	rec.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	t.Cleanup(func() {
		if err := rec.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})
	return rec
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder.
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
