package main

import (
	"net"
	"strings"
	"testing"
)

func TestFormatPulls(t *testing.T) {
	got := formatPulls(map[string]int{"b": 2, "a": 10})
	if got != "a=10 b=2" {
		t.Fatalf("formatPulls = %q", got)
	}
	if formatPulls(nil) != "" {
		t.Fatal("expected empty string for no pulls")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("shortID = %q", got)
	}
}

func TestBindListenersReleasesOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	// reserve a free address for the http side, then give it back
	spare, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	httpAddr := spare.Addr().String()
	spare.Close()

	_, _, err = bindListeners(httpAddr, busy.Addr().String())
	if err == nil || !strings.Contains(err.Error(), "grpc listen") {
		t.Fatalf("expected grpc listen error, got %v", err)
	}
	again, err := net.Listen("tcp", httpAddr)
	if err != nil {
		t.Fatalf("http listener left open after failure: %v", err)
	}
	again.Close()

	h, g, err := bindListeners("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("bindListeners: %v", err)
	}
	defer h.Close()
	if g != nil {
		t.Fatal("expected no grpc listener without an address")
	}
}
