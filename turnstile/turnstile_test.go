package turnstile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerify_Success(t *testing.T) {
	var gotSecret, gotResponse, gotRemoteIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		r.ParseForm()
		gotSecret = r.PostFormValue("secret")
		gotResponse = r.PostFormValue("response")
		gotRemoteIP = r.PostFormValue("remoteip")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := New("s3cret", WithEndpoint(srv.URL))
	out, err := c.Verify(context.Background(), "tok-123", "203.0.113.4")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	if gotSecret != "s3cret" || gotResponse != "tok-123" || gotRemoteIP != "203.0.113.4" {
		t.Fatalf("form: secret=%q response=%q remoteip=%q", gotSecret, gotResponse, gotRemoteIP)
	}
}

func TestVerify_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	out, err := New("s", WithEndpoint(srv.URL)).Verify(context.Background(), "bad", "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Fatal("expected failure")
	}
	if len(out.ErrorCodes) != 1 || out.ErrorCodes[0] != "invalid-input-response" {
		t.Fatalf("error codes: %v", out.ErrorCodes)
	}
}

func TestVerify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := New("s", WithEndpoint(srv.URL)).Verify(context.Background(), "tok", ""); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestVerify_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{`))
	}))
	defer srv.Close()

	if _, err := New("s", WithEndpoint(srv.URL)).Verify(context.Background(), "tok", ""); err == nil {
		t.Fatal("expected decode error")
	}
}
