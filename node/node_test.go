// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func testNode(t *testing.T) *Node {
	t.Helper()
	r := NewRegistry(4, nil, nil)
	n, err := r.Request(pipeConn(t), "telnet", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	return n
}

func TestSpeedPause(t *testing.T) {
	n := testNode(t)
	for _, tc := range []struct {
		bps  int
		want time.Duration
	}{
		{0, 0},
		{300, time.Second / 38},     // ceil(300/8) = 38 cps
		{1200, time.Second / 150},   // 1200/8 = 150 cps
		{9600, time.Second / 1200},  // 9600/8 = 1200 cps
		{14400, time.Second / 1800}, // 14400/8 = 1800 cps
	} {
		n.SetSpeed(tc.bps)
		if got := n.PausePerByte(); got != tc.want {
			t.Fatalf("SetSpeed(%d): got pause %v, want %v", tc.bps, got, tc.want)
		}
	}
	n.SetSpeed(1200)
	n.SetSpeed(0)
	if got := n.PausePerByte(); got != 0 {
		t.Fatalf("SetSpeed(0): got pause %v, want 0", got)
	}
}

func TestInputTranslation(t *testing.T) {
	n := testNode(t)
	if err := n.RegisterTranslation('\r', '\n'); err != nil {
		t.Fatalf("RegisterTranslation: %v", err)
	}
	if err := n.RegisterTranslation('\r', 'x'); !errors.Is(err, ErrTranslationExists) {
		t.Fatalf("duplicate registration: got %v, want ErrTranslationExists", err)
	}

	buf := []byte("a\rb\r")
	n.TranslateInput(buf)
	if got, want := string(buf), "a\nb\n"; got != want {
		t.Fatalf("TranslateInput: got %q, want %q", got, want)
	}

	if err := n.UnregisterTranslation('\r'); err != nil {
		t.Fatalf("UnregisterTranslation: %v", err)
	}
	if err := n.UnregisterTranslation('\r'); err == nil {
		t.Fatal("UnregisterTranslation twice: got nil, want error")
	}
}

func TestTranslationTableBound(t *testing.T) {
	n := testNode(t)
	for i := 0; i < maxTranslations; i++ {
		if err := n.RegisterTranslation(byte(i), byte(i+1)); err != nil {
			t.Fatalf("RegisterTranslation %d: %v", i, err)
		}
	}
	err := n.RegisterTranslation(0xf0, 0xf1)
	if !errors.Is(err, ErrTranslationTableFull) {
		t.Fatalf("table overflow: got %v, want ErrTranslationTableFull", err)
	}
}

func TestInterruptPulse(t *testing.T) {
	n := testNode(t)
	n.Interrupt()
	select {
	case <-n.InterruptCh():
	default:
		t.Fatal("interrupt channel not pulsed")
	}
	if !n.Interrupted() {
		t.Fatal("Interrupted: got false, want true")
	}
	// The flag is cleared on read.
	if n.Interrupted() {
		t.Fatal("Interrupted after clear: got true, want false")
	}
}

func TestSafeSleepInterrupted(t *testing.T) {
	n := testNode(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		n.Interrupt()
	}()
	start := time.Now()
	err := n.SafeSleep(5 * time.Second)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("SafeSleep: got %v, want ErrInterrupted", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("SafeSleep did not return early")
	}
}

func TestWinsizeMenuRedraw(t *testing.T) {
	n := testNode(t)
	var redraws int
	n.SetMenu(true, func() { redraws++ })

	n.SetWinsize(80, 24)
	if redraws != 0 {
		t.Fatalf("initial resize triggered redraw")
	}
	// Wider: nothing clips, no redraw.
	n.SetWinsize(100, 24)
	if redraws != 0 {
		t.Fatalf("growing resize triggered redraw")
	}
	// Narrower: clips, redraw.
	n.SetWinsize(70, 24)
	if redraws != 1 {
		t.Fatalf("shrinking cols: got %d redraws, want 1", redraws)
	}
	cols, rows := n.Winsize()
	if cols != 70 || rows != 24 {
		t.Fatalf("Winsize: got %dx%d, want 70x24", cols, rows)
	}
}

func TestSpyTap(t *testing.T) {
	n := testNode(t)
	var tap bytes.Buffer
	n.AddSpy(&tap)
	n.CopyToSpies([]byte("hello"))
	n.RemoveSpy(&tap)
	n.CopyToSpies([]byte(" world"))
	if got, want := tap.String(), "hello"; got != want {
		t.Fatalf("spy tap: got %q, want %q", got, want)
	}
}
