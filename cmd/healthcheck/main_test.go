package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct{ addr, want string }{
		{"", "http://localhost:3000/healthz"},
		{":8080", "http://localhost:8080/healthz"},
		{"0.0.0.0:9000", "http://localhost:9000/healthz"},
		{"127.0.0.1:4000", "http://127.0.0.1:4000/healthz"},
		{"garbage", "http://localhost:3000/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.addr); got != tt.want {
			t.Errorf("healthURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.URL+"/healthz"); err != nil {
		t.Fatalf("probe() healthy error = %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := probe(context.Background(), srv.URL+"/healthz"); err == nil {
		t.Fatal("probe() expected error on 503")
	}
}
