package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
)

func TestPipeOrder(t *testing.T) {
	p := NewPipe("test", debug.Discard())
	defer p.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	p.Attach(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		if err := p.Send([]byte{byte('a' + i%26)}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		if want := string(rune('a' + i%26)); s != want {
			t.Fatalf("message %d = %q; want %q", i, s, want)
		}
	}
}

func TestPipeDropsWithoutListener(t *testing.T) {
	p := NewPipe("test", debug.Discard())
	defer p.Close()

	p.Send([]byte("lost"))
	time.Sleep(20 * time.Millisecond)

	got := make(chan string, 1)
	p.Attach(func(b []byte) { got <- string(b) })
	p.Send([]byte("kept"))

	select {
	case s := <-got:
		if s != "kept" {
			t.Errorf("received %q; want kept", s)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPipeCopiesPayload(t *testing.T) {
	p := NewPipe("test", debug.Discard())
	defer p.Close()

	got := make(chan string, 1)
	p.Attach(func(b []byte) { got <- string(b) })

	buf := []byte("abc")
	p.Send(buf)
	buf[0] = 'X'

	if s := <-got; s != "abc" {
		t.Errorf("received %q; want abc", s)
	}
}

func TestPipeClose(t *testing.T) {
	p := NewPipe("test", debug.Discard())
	p.Close()

	if err := p.Send([]byte("x")); err != ErrPipeClosed {
		t.Errorf("Send after Close = %v; want ErrPipeClosed", err)
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not exit")
	}
}

func TestPipeHandlerPanicContained(t *testing.T) {
	p := NewPipe("test", debug.Discard())
	defer p.Close()

	got := make(chan string, 2)
	p.Attach(func(b []byte) {
		if string(b) == "bad" {
			panic("boom")
		}
		got <- string(b)
	})
	p.Send([]byte("bad"))
	p.Send([]byte("good"))

	select {
	case s := <-got:
		if s != "good" {
			t.Errorf("received %q; want good", s)
		}
	case <-time.After(time.Second):
		t.Fatal("pipe stopped after handler panic")
	}
}

func TestLink(t *testing.T) {
	a, b := Link("a", "b", debug.Discard())
	defer a.Close()

	got := make(chan string, 1)
	b.Listen(func(data []byte) { got <- string(data) })
	a.Send([]byte("hello"))

	if s := <-got; s != "hello" {
		t.Errorf("b received %q; want hello", s)
	}
	if a.Name() != "a" || b.Name() != "b" {
		t.Errorf("names = %s, %s", a.Name(), b.Name())
	}
}
