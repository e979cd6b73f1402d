package core

import (
	"testing"
	"time"
)

func TestDebugPrintln(t *testing.T) {
	var got []string
	SetDebugWriter(func(s string) { got = append(got, s) })
	defer SetDebugWriter(func(string) {})
	defer SetDebugEnabled(false)

	DebugPrintln("dropped")
	if len(got) != 0 {
		t.Fatalf("Debug output while disabled: %v", got)
	}

	SetDebugEnabled(true)
	if !IsDebugEnabled() {
		t.Fatal("Debug not enabled")
	}
	DebugPrintln("hello")
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("Unexpected output %v", got)
	}
}

func TestDebugAsync(t *testing.T) {
	out := make(chan string, 1)
	SetDebugWriter(func(s string) { out <- s })
	SetDebugEnabled(true)
	defer SetDebugWriter(func(string) {})
	defer SetDebugEnabled(false)

	InitAsyncDebug()
	DebugAsync("queued")

	select {
	case s := <-out:
		if s != "queued" {
			t.Errorf("Got %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Async debug message not written")
	}
}
