package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestMockClientReplaysQueue(t *testing.T) {
	m := NewMockClient().
		AddResponse(http.StatusBadGateway, "flaky").
		AddError(errors.New("connection reset")).
		AddResponse(http.StatusOK, `{"ok":true}`)

	req, _ := http.NewRequest(http.MethodGet, "http://api.test/jobs", nil)

	resp, err := m.Do(req)
	if err != nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("first reply = %v, %v", resp, err)
	}
	resp.Body.Close()

	if _, err := m.Do(req); err == nil {
		t.Fatal("queued transport error not returned")
	}

	resp, err = m.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "ok") {
		t.Errorf("body = %q", body)
	}

	if m.RequestCount() != 3 {
		t.Errorf("recorded %d requests, want 3", m.RequestCount())
	}
	if m.Request(0).URL.Path != "/jobs" {
		t.Errorf("recorded path = %q", m.Request(0).URL.Path)
	}
	if m.Request(9) != nil {
		t.Error("out-of-range request not nil")
	}
}

func TestMockClientDefaultsToEmptyOK(t *testing.T) {
	m := NewMockClient()
	req, _ := http.NewRequest(http.MethodGet, "http://api.test/", nil)
	resp, err := m.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
