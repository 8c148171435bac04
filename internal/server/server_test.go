package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matteso1/distkv/internal/metrics"
	"github.com/matteso1/distkv/internal/rpc"
	"github.com/matteso1/distkv/internal/storage"
)

func quietLogger() *log.Logger {
	return &log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()

	config := DefaultServerConfig()
	config.DataDir = t.TempDir()
	config.Logger = quietLogger()
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// serveBufconn runs srv's gRPC transport over an in-memory listener and
// returns a connected client.
func serveBufconn(t *testing.T, srv *Server) *rpc.KVClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis, nil)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return rpc.NewKVClient(conn)
}

func TestServer_Creation(t *testing.T) {
	srv := newTestServer(t, nil)

	if srv.store == nil {
		t.Fatal("expected storage engine to be opened")
	}
	if srv.grpc == nil || srv.text == nil {
		t.Error("expected both transports to be built")
	}

	srv.Stop()
	srv.Stop() // idempotent
}

func TestServer_DefaultConfig(t *testing.T) {
	config := DefaultServerConfig()

	if config.Port != 7070 {
		t.Errorf("expected default port 7070, got %d", config.Port)
	}
	if config.TextPort != 12345 {
		t.Errorf("expected default text port 12345, got %d", config.TextPort)
	}
	if config.DataDir != "./storage" {
		t.Errorf("expected default data dir ./storage, got %s", config.DataDir)
	}
	if config.Storage.FileName != "data.log" {
		t.Errorf("expected default log file data.log, got %s", config.Storage.FileName)
	}
}

func TestServer_GRPCRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	client := serveBufconn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Put(ctx, &rpc.PutRequest{Key: "name", Value: "John"}); err != nil {
		t.Fatal(err)
	}

	got, err := client.Get(ctx, &rpc.GetRequest{Key: "name"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != "John" {
		t.Errorf("expected John, got %q", got.Value)
	}

	if _, err := client.Delete(ctx, &rpc.DeleteRequest{Key: "name"}); err != nil {
		t.Fatal(err)
	}

	_, err = client.Get(ctx, &rpc.GetRequest{Key: "name"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound after delete, got %v", err)
	}

	_, err = client.Delete(ctx, &rpc.DeleteRequest{Key: "name"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound deleting missing key, got %v", err)
	}

	_, err = client.Put(ctx, &rpc.PutRequest{Key: "a:b", Value: "x"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for key with delimiter, got %v", err)
	}
}

func TestServer_GRPCPersistAndStats(t *testing.T) {
	srv := newTestServer(t, nil)
	client := serveBufconn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		if _, err := client.Put(ctx, &rpc.PutRequest{Key: "k", Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := client.Persist(ctx, &rpc.PersistRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.LogBytes != int64(len("k:v9\n")) {
		t.Errorf("expected compacted log of %d bytes, got %d", len("k:v9\n"), resp.LogBytes)
	}

	stats, err := client.Stats(ctx, &rpc.StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Keys != 1 {
		t.Errorf("expected 1 key, got %d", stats.Keys)
	}
	if stats.Appended != 10 {
		t.Errorf("expected 10 appended records, got %d", stats.Appended)
	}
	if stats.Compactions != 1 || stats.LastCompactionUnix == 0 {
		t.Errorf("expected one recorded compaction, got %+v", stats)
	}

	snap := srv.metrics.Snapshot()
	if snap.Puts != 10 || snap.Persists != 1 {
		t.Errorf("interceptor did not record operations: %+v", snap)
	}
}

func TestServer_GRPCKeys(t *testing.T) {
	srv := newTestServer(t, nil)
	client := serveBufconn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, key := range []string{"zeta", "alpha", "mid"} {
		if _, err := client.Put(ctx, &rpc.PutRequest{Key: key, Value: "v"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := client.Delete(ctx, &rpc.DeleteRequest{Key: "mid"}); err != nil {
		t.Fatal(err)
	}

	resp, err := client.Keys(ctx, &rpc.KeysRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(resp.Keys, ",") != "alpha,zeta" {
		t.Errorf("expected [alpha zeta], got %v", resp.Keys)
	}

	srv.store.Close()
	_, err = client.Keys(ctx, &rpc.KeysRequest{})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("expected Unavailable from closed engine, got %v", err)
	}
}

func TestServer_GRPCClosedEngine(t *testing.T) {
	srv := newTestServer(t, nil)
	client := serveBufconn(t, srv)

	if err := srv.store.Close(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Put(ctx, &rpc.PutRequest{Key: "k", Value: "v"})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("expected Unavailable from closed engine, got %v", err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{storage.ErrKeyNotFound, codes.NotFound},
		{fmt.Errorf("%w: bad key", storage.ErrInvalidArgument), codes.InvalidArgument},
		{fmt.Errorf("%w: disk full", storage.ErrIO), codes.Internal},
		{storage.ErrClosed, codes.Unavailable},
		{errors.New("boom"), codes.Unknown},
	}

	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.code {
			t.Errorf("toStatus(%v): expected %v, got %v", tt.err, tt.code, got)
		}
	}
}

func TestTextServer_Execute(t *testing.T) {
	srv := newTestServer(t, nil)
	text := srv.text

	steps := []struct {
		line string
		want string
	}{
		{"PING", "PONG"},
		{"GET name", "NOT_FOUND"},
		{"PUT name John", "OK"},
		{"GET name", "VALUE John"},
		{"put greeting hello world", "OK"},
		{"get greeting", "VALUE hello world"},
		{"PUT empty ", "OK"},
		{"GET empty", "VALUE "},
		{"DELETE name", "OK"},
		{"DELETE name", "NOT_FOUND"},
		{"DEL greeting", "OK"},
		{"PERSIST", "OK"},
		{"PUT", "ERROR invalid_argument usage: PUT <key> <value>"},
		{"GET", "ERROR invalid_argument usage: GET <key>"},
		{"FLUSH", "ERROR unknown_command FLUSH"},
		{"", "ERROR invalid_argument empty command"},
	}

	for _, step := range steps {
		got, quit := text.execute(step.line)
		if got != step.want {
			t.Errorf("%q: expected %q, got %q", step.line, step.want, got)
		}
		if quit {
			t.Errorf("%q: unexpected quit", step.line)
		}
	}

	got, _ := text.execute("PUT a:b value")
	if !strings.HasPrefix(got, "ERROR invalid_argument ") {
		t.Errorf("expected invalid_argument error, got %q", got)
	}

	got, quit := text.execute("QUIT")
	if got != "BYE" || !quit {
		t.Errorf("expected BYE and quit, got %q %v", got, quit)
	}

	keys, err := srv.store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "empty" {
		t.Errorf("expected only key 'empty' to remain, got %v", keys)
	}
}

func TestTextServer_ClosedEngine(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.store.Close()

	got, _ := srv.text.execute("PUT k v")
	if !strings.HasPrefix(got, "ERROR closed ") {
		t.Errorf("expected closed error, got %q", got)
	}
}

func TestTextServer_Pipe(t *testing.T) {
	srv := newTestServer(t, nil)

	client, conn := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.text.handleConn(conn)
		close(done)
	}()

	reader := bufio.NewReader(client)
	roundTrip := func(line string) string {
		t.Helper()
		if _, err := io.WriteString(client, line+"\r\n"); err != nil {
			t.Fatal(err)
		}
		resp, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		return strings.TrimRight(resp, "\n")
	}

	if got := roundTrip("PUT city Madison"); got != "OK" {
		t.Errorf("expected OK, got %q", got)
	}
	if got := roundTrip("GET city"); got != "VALUE Madison" {
		t.Errorf("expected VALUE Madison, got %q", got)
	}
	if got := roundTrip("QUIT"); got != "BYE" {
		t.Errorf("expected BYE, got %q", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after QUIT")
	}
	client.Close()

	if snap := srv.metrics.Snapshot(); snap.ActiveConnections != 0 {
		t.Errorf("expected 0 active connections, got %d", snap.ActiveConnections)
	}
}

func TestTextServer_LineTooLong(t *testing.T) {
	srv := newTestServer(t, nil)

	client, conn := net.Pipe()
	defer client.Close()
	go srv.text.handleConn(conn)

	reader := bufio.NewReader(client)
	roundTrip := func(line string) string {
		t.Helper()
		if _, err := io.WriteString(client, line+"\n"); err != nil {
			t.Fatal(err)
		}
		resp, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		return strings.TrimRight(resp, "\n")
	}

	long := "PUT big " + strings.Repeat("x", maxLineBytes+10)
	if got := roundTrip(long); !strings.HasPrefix(got, "ERROR invalid_argument ") {
		t.Errorf("expected invalid_argument for oversized line, got %q", got)
	}

	// The rest of the oversized line must not be read as a new request.
	if got := roundTrip("PING"); got != "PONG" {
		t.Errorf("expected PONG after oversized line, got %q", got)
	}
	if got := roundTrip("GET big"); got != "NOT_FOUND" {
		t.Errorf("oversized PUT must not be applied, got %q", got)
	}

	// A line just under the cap is still accepted.
	fits := "PUT fits " + strings.Repeat("y", maxLineBytes-len("PUT fits ")-1)
	if got := roundTrip(fits); got != "OK" {
		t.Errorf("expected OK for line at the limit, got %q", got)
	}
}

func TestTextServer_TCP(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, storage.Config{FileName: "data.log", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	text := NewTextServer(store, metrics.NewMetrics(), quietLogger(), time.Second)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	served := make(chan error, 1)
	go func() { served <- text.Serve(lis) }()

	conn, err := net.Dial("tcp", lis.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "PUT k v\nGET k\n")
	reader := bufio.NewReader(conn)
	for _, want := range []string{"OK\n", "VALUE v\n"} {
		got, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}

	if err := text.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	// Closing must also drop the open client connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestSplitWord(t *testing.T) {
	tests := []struct {
		in, word, rest string
	}{
		{"PUT k v", "PUT", "k v"},
		{"  GET k", "GET", "k"},
		{"PING", "PING", ""},
		{"k  two spaces", "k", " two spaces"},
		{"", "", ""},
	}

	for _, tt := range tests {
		word, rest := splitWord(tt.in)
		if word != tt.word || rest != tt.rest {
			t.Errorf("splitWord(%q) = %q, %q; expected %q, %q", tt.in, word, rest, tt.word, tt.rest)
		}
	}
}

func TestServer_CompactLoop(t *testing.T) {
	srv := newTestServer(t, func(c *ServerConfig) {
		c.CompactInterval = 20 * time.Millisecond
	})

	if err := srv.store.Put("k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := srv.store.Put("k", "2"); err != nil {
		t.Fatal(err)
	}

	serveBufconn(t, srv)

	deadline := time.Now().Add(3 * time.Second)
	for srv.store.Stats().Compactions == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled compaction never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if size := srv.store.Stats().LogBytes; size != int64(len("k:2\n")) {
		t.Errorf("expected compacted log of %d bytes, got %d", len("k:2\n"), size)
	}
}

func TestOpForMethod(t *testing.T) {
	if op, ok := opForMethod("/distkv.KV/Put"); !ok || op != metrics.OpPut {
		t.Errorf("expected put, got %v %v", op, ok)
	}
	if op, ok := opForMethod("/distkv.KV/Persist"); !ok || op != metrics.OpPersist {
		t.Errorf("expected persist, got %v %v", op, ok)
	}
	if _, ok := opForMethod("/distkv.KV/Stats"); ok {
		t.Error("stats is not a counted operation")
	}
}

func TestRecordResult(t *testing.T) {
	m := metrics.NewMetrics()

	recordResult(m, metrics.OpGet, time.Millisecond, nil)
	recordResult(m, metrics.OpGet, time.Millisecond, storage.ErrKeyNotFound)
	recordResult(m, metrics.OpGet, time.Millisecond, status.Error(codes.NotFound, "key not found"))
	recordResult(m, metrics.OpPut, time.Millisecond, storage.ErrIO)

	snap := m.Snapshot()
	if snap.Gets != 3 || snap.Puts != 1 {
		t.Errorf("unexpected op counts: %+v", snap)
	}
	if snap.NotFound != 2 {
		t.Errorf("expected 2 not found, got %d", snap.NotFound)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("expected 1 error, got %d", snap.ErrorsTotal)
	}
}
