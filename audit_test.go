package otpforge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func buildAuditEngine(t *testing.T, cfg Config, sink AuditSink) (*Engine, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPushTransport(&fakeTransport{}).
		WithAuditSink(sink).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	return engine, func() {
		engine.Close()
		mr.Close()
	}
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Audit.Enabled = false

	sink := &countingSink{}
	engine, done := buildAuditEngine(t, cfg, sink)
	defer done()

	enrollTestToken(t, engine, EnrollRequest{
		Type:      TypeHOTP,
		Serial:    "OATH0001",
		SecretHex: testSecretHex,
	})
	_, _ = engine.CheckCredential(WithClientIP(context.Background(), "203.0.113.1"), AuthRequest{
		Serial:   "OATH0001",
		Password: "000000",
	})
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditEnabledSinkReceivesEventWithFields(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16
	cfg.Audit.DropIfFull = true

	sink := NewChannelSink(8)
	engine, done := buildAuditEngine(t, cfg, sink)
	defer done()

	enrollTestToken(t, engine, EnrollRequest{
		Type:      TypeHOTP,
		Serial:    "OATH0001",
		SecretHex: testSecretHex,
	})

	ctx := WithClientIP(context.Background(), "198.51.100.33")
	result, err := engine.CheckCredential(ctx, AuthRequest{Serial: "OATH0001", Password: codeAt(t, rfc4226Secret, 0)})
	if err != nil || !result.Accepted() {
		t.Fatalf("result=%+v err=%v", result, err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType != "check_accept" {
				continue
			}
			if ev.Serial != "OATH0001" {
				t.Fatalf("expected serial OATH0001, got %q", ev.Serial)
			}
			if ev.IP != "198.51.100.33" {
				t.Fatalf("expected IP 198.51.100.33, got %q", ev.IP)
			}
			if ev.Timestamp.IsZero() {
				t.Fatal("expected a populated timestamp")
			}
			if !ev.Success {
				t.Fatal("expected success flag")
			}
			return
		case <-deadline:
			t.Fatal("expected a check_accept audit event")
		}
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 32
	cfg.Audit.DropIfFull = false

	sink := NewChannelSink(32)
	engine, done := buildAuditEngine(t, cfg, sink)
	defer done()

	pin := "9876"
	enrollTestToken(t, engine, EnrollRequest{
		Type:      TypeHOTP,
		Serial:    "OATH0001",
		SecretHex: testSecretHex,
		PIN:       pin,
	})
	otp := codeAt(t, rfc4226Secret, 0)
	result, err := engine.CheckCredential(context.Background(), AuthRequest{Serial: "OATH0001", Password: pin + otp})
	if err != nil || !result.Accepted() {
		t.Fatalf("result=%+v err=%v", result, err)
	}

	needles := []string{pin + otp, testSecretHex, string(rfc4226Secret)}

	events := make([]AuditEvent, 0, 8)
	timeout := time.After(2 * time.Second)
collectLoop:
	for len(events) < 8 {
		select {
		case ev := <-sink.Events():
			events = append(events, ev)
		case <-timeout:
			break collectLoop
		}
	}
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}

	for _, ev := range events {
		for _, needle := range needles {
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field: %q", needle)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata: %q", needle)
				}
			}
		}
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: "check_accept",
		Serial:    "OATH0001",
		IP:        "127.0.0.1",
		Success:   true,
	})

	if !buf.Contains("check_accept") {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains(`"serial":"OATH0001"`) {
		t.Fatal("expected JSON log line to contain serial")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{})

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.buf), v)
}
