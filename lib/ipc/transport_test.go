package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// testConfig returns a config whose resources live in a fresh temp dir.
// The dir name is kept short so socket paths stay under the sun_path limit.
func testConfig(t *testing.T, kind Kind) Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipcb")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := DefaultConfig(kind)
	cfg.PipePath = filepath.Join(dir, "pipe")
	cfg.SocketPath = filepath.Join(dir, "sock")
	cfg.ShmDir = dir
	cfg.ShmName = "test"
	cfg.Slots = 4
	cfg.SlotSize = 256
	cfg.ConnectTimeout = 5 * time.Second
	cfg.IOTimeout = 5 * time.Second
	cfg.Retry = RetryPolicy{Attempts: 200, Backoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	return cfg
}

func resourcePath(cfg Config) string {
	switch cfg.Kind {
	case KindPipe:
		return cfg.PipePath
	case KindSocket:
		return cfg.SocketPath
	default:
		return ShmPath(cfg.ShmDir, cfg.ShmName)
	}
}

func produce(ctx context.Context, cfg Config, msgs []string, finish bool) error {
	ep, err := Open(ctx, cfg, RoleProducer)
	if err != nil {
		return fmt.Errorf("producer open: %w", err)
	}
	defer ep.Close()
	for i, m := range msgs {
		if err := ep.Send(ctx, []byte(m)); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
	}
	if finish {
		if err := ep.Finish(ctx); err != nil {
			return fmt.Errorf("finish: %w", err)
		}
	}
	return nil
}

func consume(ctx context.Context, cfg Config) ([]string, error) {
	ep, err := Open(ctx, cfg, RoleConsumer)
	if err != nil {
		return nil, fmt.Errorf("consumer open: %w", err)
	}
	defer ep.Close()
	var got []string
	for {
		msg, err := ep.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return got, nil
		} else if err != nil {
			return got, err
		}
		got = append(got, string(msg))
	}
}

// session runs a producer and a consumer concurrently, starting the producer
// producerLead ahead of the consumer (or behind it, if negative).
func session(t *testing.T, cfg Config, msgs []string, finish bool, producerLead time.Duration) ([]string, error, error) {
	t.Helper()
	ctx := t.Context()

	var prodErr error
	g := taskgroup.New(nil)
	if producerLead < 0 {
		g.Go(func() error {
			time.Sleep(-producerLead)
			prodErr = produce(ctx, cfg, msgs, finish)
			return nil
		})
	} else {
		g.Go(func() error {
			prodErr = produce(ctx, cfg, msgs, finish)
			return nil
		})
		time.Sleep(producerLead)
	}
	got, consErr := consume(ctx, cfg)
	g.Wait()
	return got, prodErr, consErr
}

func words(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%04d", i)
	}
	return out
}

func TestSessionDeliversInOrder(t *testing.T) {
	tests := []struct {
		name string
		msgs []string
	}{
		{"empty input", nil},
		{"three words", []string{"a", "bb", "ccc"}},
		{"zero length message", []string{"x", "", "y"}},
		{"wraps the ring", words(1000)},
	}
	for _, kind := range Kinds {
		for _, tt := range tests {
			t.Run(kind.String()+"/"+tt.name, func(t *testing.T) {
				defer leaktest.Check(t)()
				cfg := testConfig(t, kind)

				got, prodErr, consErr := session(t, cfg, tt.msgs, true, -20*time.Millisecond)
				if prodErr != nil {
					t.Fatalf("producer: %v", prodErr)
				}
				if consErr != nil {
					t.Fatalf("consumer: %v", consErr)
				}
				if len(got) != len(tt.msgs) {
					t.Fatalf("received %d messages, want %d", len(got), len(tt.msgs))
				}
				if diff := cmp.Diff(tt.msgs, got, cmpEmpty); diff != "" {
					t.Errorf("messages (-want +got):\n%s", diff)
				}
				if _, err := os.Lstat(resourcePath(cfg)); !errors.Is(err, fs.ErrNotExist) {
					t.Errorf("resource left behind after session: %v", err)
				}
			})
		}
	}
}

var cmpEmpty = cmp.Transformer("nilToEmpty", func(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
})

func TestProducerStartsFirst(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			defer leaktest.Check(t)()
			cfg := testConfig(t, kind)

			got, prodErr, consErr := session(t, cfg, []string{"a", "bb", "ccc"}, true, 150*time.Millisecond)
			if prodErr != nil || consErr != nil {
				t.Fatalf("producer: %v, consumer: %v", prodErr, consErr)
			}
			if len(got) != 3 {
				t.Errorf("count: got %d, want 3", len(got))
			}
		})
	}
}

func TestStaleResourceIsReplaced(t *testing.T) {
	leads := []struct {
		name string
		lead time.Duration
	}{
		{"consumer first", -20 * time.Millisecond},
		{"producer first", 150 * time.Millisecond},
	}
	for _, kind := range Kinds {
		for _, l := range leads {
			t.Run(kind.String()+"/"+l.name, func(t *testing.T) {
				cfg := testConfig(t, kind)
				if err := os.WriteFile(resourcePath(cfg), []byte("left over from a crashed run"), 0o600); err != nil {
					t.Fatal(err)
				}

				got, prodErr, consErr := session(t, cfg, []string{"one", "two"}, true, l.lead)
				if prodErr != nil || consErr != nil {
					t.Fatalf("producer: %v, consumer: %v", prodErr, consErr)
				}
				if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
					t.Errorf("messages (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestCloseWithoutEndOfStream(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			defer leaktest.Check(t)()
			cfg := testConfig(t, kind)

			got, prodErr, consErr := session(t, cfg, []string{"a", "b"}, false, -20*time.Millisecond)
			if prodErr != nil {
				t.Fatalf("producer: %v", prodErr)
			}
			if !errors.Is(consErr, ErrPeerClosed) {
				t.Fatalf("consumer: got %v, want ErrPeerClosed", consErr)
			}
			if errors.Is(consErr, io.EOF) {
				t.Errorf("early close reported as end of stream: %v", consErr)
			}
			if len(got) > 2 {
				t.Errorf("received %d messages, sent 2", len(got))
			}
		})
	}
}

func TestConsumerTimesOutWithoutProducer(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			defer leaktest.Check(t)()
			cfg := testConfig(t, kind)
			cfg.ConnectTimeout = 100 * time.Millisecond

			start := time.Now()
			ep, err := Open(t.Context(), cfg, RoleConsumer)
			if err == nil {
				ep.Close()
				t.Fatal("Open succeeded with no producer")
			}
			if !errors.Is(err, ErrTimeout) {
				t.Errorf("Open: got %v, want ErrTimeout", err)
			}
			if elapsed := time.Since(start); elapsed > 3*time.Second {
				t.Errorf("Open took %v to time out", elapsed)
			}
			var ipcErr *Error
			if !errors.As(err, &ipcErr) || ipcErr.Kind != kind || ipcErr.Phase != PhaseConnect {
				t.Errorf("Open error: got %#v, want %s connect error", err, kind)
			}
			if _, err := os.Lstat(resourcePath(cfg)); !errors.Is(err, fs.ErrNotExist) {
				t.Errorf("resource left behind after timeout: %v", err)
			}
		})
	}
}

func TestProducerRetryExhausted(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			cfg := testConfig(t, kind)
			cfg.Retry = RetryPolicy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

			ep, err := Open(t.Context(), cfg, RoleProducer)
			if err == nil {
				ep.Close()
				t.Fatal("Open succeeded with no consumer")
			}
			if !errors.Is(err, ErrRetryExhausted) {
				t.Errorf("Open: got %v, want ErrRetryExhausted", err)
			}
		})
	}
}

func TestProducerRetryBoundedByContext(t *testing.T) {
	cfg := testConfig(t, KindSocket)
	cfg.Retry = RetryPolicy{Backoff: 10 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	cfg.ConnectTimeout = 80 * time.Millisecond

	_, err := Open(t.Context(), cfg, RoleProducer)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Open: got %v, want ErrTimeout", err)
	}
}

func TestEndpointRolesAndClose(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			defer leaktest.Check(t)()
			cfg := testConfig(t, kind)
			ctx := t.Context()

			var producer Endpoint
			g := taskgroup.New(nil)
			g.Go(func() error {
				var err error
				producer, err = Open(ctx, cfg, RoleProducer)
				return err
			})
			consumer, err := Open(ctx, cfg, RoleConsumer)
			if err != nil {
				t.Fatalf("consumer open: %v", err)
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("producer open: %v", err)
			}

			if producer.Role() != RoleProducer || consumer.Role() != RoleConsumer {
				t.Errorf("roles: got %s/%s", producer.Role(), consumer.Role())
			}
			if producer.Kind() != kind || consumer.Kind() != kind {
				t.Errorf("kinds: got %s/%s, want %s", producer.Kind(), consumer.Kind(), kind)
			}
			if _, err := producer.Recv(ctx); !errors.Is(err, ErrWrongRole) {
				t.Errorf("producer Recv: got %v, want ErrWrongRole", err)
			}
			if err := consumer.Send(ctx, []byte("x")); !errors.Is(err, ErrWrongRole) {
				t.Errorf("consumer Send: got %v, want ErrWrongRole", err)
			}
			if err := consumer.Finish(ctx); !errors.Is(err, ErrWrongRole) {
				t.Errorf("consumer Finish: got %v, want ErrWrongRole", err)
			}

			if err := producer.Finish(ctx); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if err := producer.Send(ctx, []byte("late")); err == nil {
				t.Error("Send after Finish succeeded")
			}
			if _, err := consumer.Recv(ctx); !errors.Is(err, io.EOF) {
				t.Errorf("Recv: got %v, want io.EOF", err)
			}
			if _, err := consumer.Recv(ctx); !errors.Is(err, io.EOF) {
				t.Errorf("Recv after end of stream: got %v, want io.EOF", err)
			}

			for _, ep := range []Endpoint{producer, consumer} {
				if err := ep.Close(); err != nil {
					t.Errorf("%s Close: %v", ep.Role(), err)
				}
				if err := ep.Close(); err != nil {
					t.Errorf("%s second Close: %v", ep.Role(), err)
				}
			}
			if err := producer.Send(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
				t.Errorf("Send after Close: got %v, want ErrClosed", err)
			}
			if _, err := consumer.Recv(ctx); !errors.Is(err, ErrClosed) {
				t.Errorf("Recv after Close: got %v, want ErrClosed", err)
			}
		})
	}
}

func TestRecvTimesOutWithoutTraffic(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			defer leaktest.Check(t)()
			cfg := testConfig(t, kind)
			cfg.IOTimeout = 100 * time.Millisecond
			ctx := t.Context()

			var producer Endpoint
			g := taskgroup.New(nil)
			g.Go(func() error {
				var err error
				producer, err = Open(ctx, cfg, RoleProducer)
				return err
			})
			consumer, err := Open(ctx, cfg, RoleConsumer)
			if err != nil {
				t.Fatalf("consumer open: %v", err)
			}
			defer consumer.Close()
			if err := g.Wait(); err != nil {
				t.Fatalf("producer open: %v", err)
			}
			defer producer.Close()

			_, err = consumer.Recv(ctx)
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("Recv: got %v, want ErrTimeout", err)
			}
			if errors.Is(err, io.EOF) {
				t.Errorf("timeout reported as end of stream")
			}

			// The session is still usable after a timed-out receive.
			if err := producer.Send(ctx, []byte("late")); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if err := producer.Finish(ctx); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			msg, err := consumer.Recv(ctx)
			if err != nil || string(msg) != "late" {
				t.Errorf("Recv: got %q, %v; want %q", msg, err, "late")
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"pipe", KindPipe},
		{"os-pipe", KindPipe},
		{"FIFO", KindPipe},
		{"socket", KindSocket},
		{"unix-domain-sockets", KindSocket},
		{" uds ", KindSocket},
		{"shm", KindShm},
		{"shared-memory", KindShm},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if err != nil || got != tt.want {
				t.Errorf("ParseKind(%q): got %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}
	if _, err := ParseKind("carrier-pigeon"); err == nil {
		t.Error("ParseKind accepted an unknown transport")
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	cfg := testConfig(t, Kind(42))
	ep, err := Open(t.Context(), cfg, RoleConsumer)
	if err == nil || ep != nil {
		t.Fatalf("Open: got %v, %v; want error and nil endpoint", ep, err)
	}
	if !IsSetup(err) {
		t.Errorf("Open: got %v, want a setup error", err)
	}
}
