package main

import "testing"

func TestConnectURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://hub:8420", "ws://hub:8420/agent/connect"},
		{"https://hub.tailnet.ts.net/", "wss://hub.tailnet.ts.net/agent/connect"},
		{"ws://hub:8420", "ws://hub:8420/agent/connect"},
		{"wss://proxy.example.com/dispatch/agent/connect", "wss://proxy.example.com/dispatch/agent/connect"},
	}
	for _, tt := range tests {
		got, err := connectURL(tt.in)
		if err != nil {
			t.Fatalf("connectURL(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("connectURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
