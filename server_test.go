package touchfish

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexcesaro/log"
	"github.com/alexcesaro/log/golog"
	"github.com/touchfish/touchfish-server/registry"
)

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	fail   bool
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("write: broken pipe")
	}
	c.buf.Write(data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recorder struct {
	mu           sync.Mutex
	connected    []registry.Client
	disconnected []registry.Client
	messages     []string
	names        []string
	raw          []string
}

func (r *recorder) Connected(c registry.Client) {
	r.mu.Lock()
	r.connected = append(r.connected, c)
	r.mu.Unlock()
}

func (r *recorder) Disconnected(c registry.Client) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, c)
	r.mu.Unlock()
}

func (r *recorder) Message(c registry.Client, text string) {
	r.mu.Lock()
	r.messages = append(r.messages, text)
	r.names = append(r.names, c.Name)
	r.mu.Unlock()
}

func (r *recorder) RawData(c registry.Client, data []byte) {
	r.mu.Lock()
	r.raw = append(r.raw, string(data))
	r.mu.Unlock()
}

func (r *recorder) counts() (connected, disconnected, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected), len(r.messages)
}

func addFake(t *testing.T, s *Server, id, host string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	err := s.clients.Add(registry.Client{
		ID:     id,
		Host:   host,
		Port:   40000,
		Online: true,
		Joined: time.Now(),
	}, conn)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendToUnknownHost(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultConfig(), rec)
	addFake(t, s, "a", "10.0.0.1")

	if s.SendTo("10.9.9.9", "hello") {
		t.Error("SendTo unknown host returned true")
	}
	if s.SendToID("nope", "hello") {
		t.Error("SendToID unknown id returned true")
	}
	if c, d, m := rec.counts(); c+d+m != 0 {
		t.Errorf("unexpected events: %d connected, %d disconnected, %d messages", c, d, m)
	}
}

func TestSendToHost(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultConfig(), rec)
	a1 := addFake(t, s, "a1", "10.0.0.1")
	a2 := addFake(t, s, "a2", "10.0.0.1")
	b := addFake(t, s, "b", "10.0.0.2")

	if !s.SendTo("10.0.0.1", "hi") {
		t.Fatal("SendTo returned false")
	}
	if a1.String() != "hi\n" || a2.String() != "hi\n" {
		t.Errorf("got %q and %q", a1.String(), a2.String())
	}
	if b.String() != "" {
		t.Errorf("other host received %q", b.String())
	}

	b.fail = true
	if s.SendTo("10.0.0.2", "hi\n") {
		t.Error("SendTo returned true for a failing conn")
	}
	m, ok := s.clients.Get("b")
	if !ok {
		t.Fatal("failed send removed the client")
	}
	if m.Online {
		t.Error("client still online after failed send")
	}
	if _, d, _ := rec.counts(); d != 1 {
		t.Errorf("%d disconnect events; expected 1", d)
	}

	// A repeated failure is the same disconnection.
	s.SendTo("10.0.0.2", "again")
	if _, d, _ := rec.counts(); d != 1 {
		t.Errorf("%d disconnect events after second failure; expected 1", d)
	}
}

func TestBroadcastExcept(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultConfig(), rec)
	a := addFake(t, s, "a", "10.0.0.1")
	b := addFake(t, s, "b", "10.0.0.2")
	c := addFake(t, s, "c", "10.0.0.3")
	broken := addFake(t, s, "d", "10.0.0.4")
	broken.fail = true

	s.Broadcast("hello", ExceptHost("10.0.0.2"))

	if a.String() != "hello\n" || c.String() != "hello\n" {
		t.Errorf("got %q and %q; expected \"hello\\n\"", a.String(), c.String())
	}
	if b.String() != "" {
		t.Errorf("excluded host received %q", b.String())
	}
	if s.Count() != 4 {
		t.Errorf("broadcast failure removed a client: %d left", s.Count())
	}
	if _, d, _ := rec.counts(); d != 1 {
		t.Errorf("%d disconnect events; expected 1", d)
	}

	s.Broadcast("again\n", ExceptID("a"))
	if a.String() != "hello\n" {
		t.Errorf("excluded id received %q", a.String())
	}
	if b.String() != "again\n" {
		t.Errorf("got %q; expected a single terminator", b.String())
	}
}

func TestKick(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Notice = "[notice] "
	s := NewServer(cfg, rec)
	a := addFake(t, s, "a", "10.0.0.1")
	b := addFake(t, s, "b", "10.0.0.2")
	s.clients.Rename("a", "Alice")

	if n := s.Kick("10.0.0.1", "bye"); n != 1 {
		t.Fatalf("Kick removed %d clients; expected 1", n)
	}
	if a.String() != "[notice] bye\n" {
		t.Errorf("kick reason = %q", a.String())
	}
	if !a.isClosed() {
		t.Error("kicked conn not closed")
	}
	for _, c := range s.ListClients() {
		if c.Host == "10.0.0.1" {
			t.Errorf("kicked host still listed: %+v", c)
		}
	}
	if s.SendTo("10.0.0.1", "still there?") {
		t.Error("SendTo succeeded after kick")
	}

	rec.mu.Lock()
	if len(rec.disconnected) != 1 || rec.disconnected[0].Name != "Alice" {
		t.Errorf("disconnect events: %+v", rec.disconnected)
	}
	rec.mu.Unlock()

	// Reason delivery failure does not block removal.
	b.fail = true
	if !s.KickID("b", "bye") {
		t.Error("KickID returned false")
	}
	if s.Count() != 0 {
		t.Errorf("%d clients left", s.Count())
	}
	if _, d, _ := rec.counts(); d != 2 {
		t.Errorf("%d disconnect events; expected 2", d)
	}
	if s.KickID("b", "") {
		t.Error("second KickID returned true")
	}
}

func TestKickOfflineClient(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultConfig(), rec)
	a := addFake(t, s, "a", "10.0.0.1")
	a.fail = true

	s.SendToID("a", "hello")
	if _, d, _ := rec.counts(); d != 1 {
		t.Fatalf("%d disconnect events after a failed send; expected 1", d)
	}

	if !s.KickID("a", "bye") {
		t.Fatal("KickID returned false")
	}
	if _, d, _ := rec.counts(); d != 1 {
		t.Errorf("%d disconnect events after kicking an offline client; expected 1", d)
	}
	if s.Count() != 0 {
		t.Errorf("%d clients left", s.Count())
	}
}

func TestConcurrentBroadcastAndKick(t *testing.T) {
	s := NewServer(DefaultConfig(), nil)
	for i := 0; i < 20; i++ {
		addFake(t, s, fmt.Sprintf("c%d", i), fmt.Sprintf("10.0.0.%d", i%5))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Broadcast("tick")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			s.Kick(fmt.Sprintf("10.0.0.%d", i), "done")
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		for _, c := range s.ListClients() {
			if c.ID == "" || c.Host == "" || c.Name == "" || c.Joined.IsZero() {
				t.Fatalf("partial record: %+v", c)
			}
		}
	}
	if s.Count() != 0 {
		t.Errorf("%d clients left after kicking every host", s.Count())
	}
}

func TestReceiveLoop(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	s := NewServer(cfg, rec)
	s.running = true

	server, client := net.Pipe()
	defer client.Close()
	p := newPeer("p", server, s.cfg)
	s.clients.Add(registry.Client{ID: "p", Host: "pipe", Online: true, Joined: time.Now()}, p)

	done := make(chan struct{})
	go func() {
		s.receive(p)
		close(done)
	}()

	client.Write([]byte("abc"))
	client.Write([]byte("def\n"))
	client.Write([]byte("user Alice has joined the room\n"))
	client.Write([]byte("\xff\xfe\n"))
	client.Write([]byte("Alice: hi\n"))

	waitFor(t, "messages", func() bool {
		_, _, m := rec.counts()
		return m == 3
	})

	rec.mu.Lock()
	expected := []string{"abcdef", "user Alice has joined the room", "Alice: hi"}
	for i, want := range expected {
		if rec.messages[i] != want {
			t.Errorf("message %d = %q; expected %q", i, rec.messages[i], want)
		}
	}
	if rec.names[0] != registry.Unknown || rec.names[1] != "Alice" || rec.names[2] != "Alice" {
		t.Errorf("names = %v", rec.names)
	}
	if len(rec.raw) != 4 || rec.raw[2] != "\xff\xfe" {
		t.Errorf("raw = %q", rec.raw)
	}
	rec.mu.Unlock()

	// Peer closing is a disconnect.
	client.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("receive loop did not exit on EOF")
	}
	if s.Count() != 0 {
		t.Error("closed client still registered")
	}
	if _, d, _ := rec.counts(); d != 1 {
		t.Errorf("%d disconnect events; expected 1", d)
	}
}

func TestReceiveMessageLimit(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.MessageLimit = RateConfig{Amount: 2, Interval: time.Minute}
	s := NewServer(cfg, rec)
	s.running = true

	server, client := net.Pipe()
	defer client.Close()
	p := newPeer("p", server, s.cfg)
	s.clients.Add(registry.Client{ID: "p", Host: "pipe", Online: true, Joined: time.Now()}, p)
	go s.receive(p)

	client.Write([]byte("one\ntwo\nthree\n"))
	waitFor(t, "messages", func() bool {
		_, _, m := rec.counts()
		return m == 2
	})
	time.Sleep(50 * time.Millisecond)
	if _, _, m := rec.counts(); m != 2 {
		t.Errorf("%d messages passed a limit of 2", m)
	}
}

func TestReceiveLineTooLong(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	s := NewServer(cfg, rec)
	s.running = true

	server, client := net.Pipe()
	defer client.Close()
	p := newPeer("p", server, s.cfg)
	s.clients.Add(registry.Client{ID: "p", Host: "pipe", Online: true, Joined: time.Now()}, p)

	done := make(chan struct{})
	go func() {
		s.receive(p)
		close(done)
	}()
	go client.Write(bytes.Repeat([]byte("x"), maxLineLength+readSize))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("receive loop kept an oversized line")
	}
	if s.Count() != 0 {
		t.Error("client with an oversized line still registered")
	}
	if _, d, m := rec.counts(); d != 1 || m != 0 {
		t.Errorf("%d disconnect events and %d messages; expected 1 and 0", d, m)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func start(t *testing.T, s *Server) {
	t.Helper()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
}

func startServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	s := NewServer(testConfig(), handler)
	start(t, s)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestServerRelay(t *testing.T) {
	rec := &recorder{}
	var s *Server
	s = NewServer(testConfig(), HandlerFuncs{
		OnConnect:    rec.Connected,
		OnDisconnect: rec.Disconnected,
		OnMessage: func(c registry.Client, text string) {
			rec.Message(c, text)
			s.Broadcast(text)
		},
	})
	start(t, s)

	a := dial(t, s)
	waitFor(t, "first client", func() bool { return s.Count() == 1 })
	b := dial(t, s)
	waitFor(t, "second client", func() bool { return s.Count() == 2 })

	for _, c := range s.ListClients() {
		if c.Host != "127.0.0.1" || c.Name != registry.Unknown || !c.Online {
			t.Errorf("unexpected record %+v", c)
		}
	}

	a.Write([]byte("Alice: hello\n"))

	line, err := bufio.NewReader(b).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "Alice: hello\n" {
		t.Errorf("b received %q", line)
	}
	if !strings.Contains(line, "hello") {
		t.Errorf("broadcast lost the message body: %q", line)
	}

	rec.mu.Lock()
	if len(rec.messages) != 1 || rec.names[0] != "Alice" {
		t.Errorf("messages %q from %q; expected one from Alice", rec.messages, rec.names)
	}
	if len(rec.connected) != 2 {
		t.Errorf("%d connect events; expected 2", len(rec.connected))
	}
	rec.mu.Unlock()

	a.Close()
	waitFor(t, "disconnect", func() bool {
		_, d, _ := rec.counts()
		return d == 1 && s.Count() == 1
	})

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := bufio.NewReader(b).ReadString('\n'); err == nil {
		t.Error("client connection still open after Stop")
	}
	if s.Addr() != nil {
		t.Error("Addr not nil after Stop")
	}
	if s.Count() != 0 {
		t.Errorf("%d clients left after Stop", s.Count())
	}
	if _, d, _ := rec.counts(); d != 1 {
		t.Errorf("Stop fired disconnect events: %d", d)
	}
}

func TestServerStartErrors(t *testing.T) {
	s := startServer(t, nil)
	if err := s.Start(); err != ErrServerRunning {
		t.Errorf("second Start: got %v; expected ErrServerRunning", err)
	}

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = s.Addr().(*net.TCPAddr).Port
	other := NewServer(cfg, nil)
	err := other.Start()
	if err == nil {
		other.Stop()
		t.Fatal("Start on a port in use should fail")
	}
	if !strings.Contains(err.Error(), "listen on") {
		t.Errorf("unexpected error: %v", err)
	}
	if err := other.Stop(); err != nil {
		t.Errorf("Stop on a stopped server: %v", err)
	}
}

func TestServerRestart(t *testing.T) {
	s := startServer(t, nil)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	dial(t, s)
	waitFor(t, "client after restart", func() bool { return s.Count() == 1 })
}

func TestServerReadLimit(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.ReadLimit = RateConfig{Amount: 8, Interval: time.Minute}
	s := NewServer(cfg, rec)
	start(t, s)

	noisy := dial(t, s)
	waitFor(t, "first client", func() bool { return s.Count() == 1 })
	quiet := dial(t, s)
	waitFor(t, "second client", func() bool { return s.Count() == 2 })

	noisy.Write([]byte("0123456789abcdef\n"))
	waitFor(t, "noisy client dropped", func() bool {
		_, d, _ := rec.counts()
		return d == 1 && s.Count() == 1
	})

	quietPort := quiet.LocalAddr().(*net.TCPAddr).Port
	noisyPort := noisy.LocalAddr().(*net.TCPAddr).Port
	if clients := s.ListClients(); len(clients) != 1 || clients[0].Port != quietPort {
		t.Errorf("remaining clients %+v; expected only port %d", clients, quietPort)
	}
	rec.mu.Lock()
	if got := rec.disconnected[0].Port; got != noisyPort {
		t.Errorf("disconnect event for port %d; expected %d", got, noisyPort)
	}
	rec.mu.Unlock()

	s.Broadcast("still here")
	line, err := bufio.NewReader(quiet).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "still here\n" {
		t.Errorf("quiet client received %q", line)
	}
	if _, err := bufio.NewReader(noisy).ReadString('\n'); err == nil {
		t.Error("noisy client connection still open")
	}
}

func TestServerLogsClientLimit(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(golog.New(&buf, log.Info))
	t.Cleanup(func() { SetLogger(golog.New(io.Discard, log.Debug)) })

	cfg := testConfig()
	cfg.MaxConnections = 3
	s := NewServer(cfg, nil)
	start(t, s)

	if out := buf.String(); !strings.Contains(out, "at most 3 clients") {
		t.Errorf("startup log does not mention the client limit: %q", out)
	}
}
