package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/matteso1/distkv/internal/metrics"
	"github.com/matteso1/distkv/internal/storage"
)

// Line protocol responses.
const (
	respOK       = "OK"
	respNotFound = "NOT_FOUND"
	respPong     = "PONG"
	respBye      = "BYE"
)

// maxLineBytes caps a request line, terminator included.
const maxLineBytes = 64 * 1024

var errLineTooLong = errors.New("request line too long")

// TextServer serves the engine over a line-oriented TCP protocol.
//
// Each request is a single line:
//
//	PUT <key> <value...>
//	GET <key>
//	DELETE <key>
//	PERSIST
//	PING
//	QUIT
//
// and each response is a single line: OK, VALUE <value>, NOT_FOUND, PONG,
// BYE, or ERROR <kind> <message>.
type TextServer struct {
	store       *storage.Engine
	metrics     *metrics.Metrics
	logger      *log.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewTextServer creates a line protocol server for store.
func NewTextServer(store *storage.Engine, m *metrics.Metrics, logger *log.Logger, idleTimeout time.Duration) *TextServer {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &TextServer{
		store:       store,
		metrics:     m,
		logger:      logger,
		idleTimeout: idleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on lis until Close is called.
func (t *TextServer) Serve(lis net.Listener) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		lis.Close()
		return nil
	}
	t.listener = lis
	t.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !t.track(conn) {
			conn.Close()
			return nil
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

func (t *TextServer) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TextServer) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *TextServer) untrack(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// handleConn processes requests from one client until it disconnects,
// sends QUIT, or stays idle past the timeout.
func (t *TextServer) handleConn(conn net.Conn) {
	defer t.untrack(conn)
	defer conn.Close()

	t.metrics.ConnectionOpened()
	defer t.metrics.ConnectionClosed()

	remote := conn.RemoteAddr().String()
	t.logger.Debug().Str("remote", remote).Msg("connection opened")

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	writer := bufio.NewWriter(conn)

	for {
		if t.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
		}

		var resp string
		var quit bool

		line, err := readLine(reader)
		switch {
		case errors.Is(err, errLineTooLong):
			t.logger.Warn().Str("remote", remote).Int("limit", maxLineBytes).Msg("rejected oversized request line")
			t.metrics.RecordError()
			resp, err = fmt.Sprintf("ERROR invalid_argument line exceeds %d bytes", maxLineBytes), nil
		case err != nil && (err != io.EOF || line == ""):
			if err != io.EOF && !t.isClosed() {
				t.logger.Debug().Err(err).Str("remote", remote).Msg("connection read ended")
			}
			return
		default:
			resp, quit = t.execute(strings.TrimRight(line, "\r\n"))
		}

		writer.WriteString(resp)
		writer.WriteByte('\n')
		if ferr := writer.Flush(); ferr != nil {
			t.logger.Debug().Err(ferr).Str("remote", remote).Msg("connection write failed")
			return
		}

		if quit || err == io.EOF {
			return
		}
	}
}

// readLine reads one request line of at most maxLineBytes. A longer line is
// consumed up to its terminator and reported as errLineTooLong.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != bufio.ErrBufferFull {
		return string(line), err
	}
	for err == bufio.ErrBufferFull {
		_, err = r.ReadSlice('\n')
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	return "", errLineTooLong
}

// execute runs one request line and returns the response line.
func (t *TextServer) execute(line string) (string, bool) {
	cmd, rest := splitWord(line)

	switch strings.ToUpper(cmd) {
	case "PUT":
		key, value := splitWord(rest)
		if key == "" {
			return "ERROR invalid_argument usage: PUT <key> <value>", false
		}
		start := time.Now()
		err := t.store.Put(key, value)
		recordResult(t.metrics, metrics.OpPut, time.Since(start), err)
		if err != nil {
			return errorLine(err), false
		}
		return respOK, false

	case "GET":
		key, _ := splitWord(rest)
		if key == "" {
			return "ERROR invalid_argument usage: GET <key>", false
		}
		start := time.Now()
		value, err := t.store.Get(key)
		recordResult(t.metrics, metrics.OpGet, time.Since(start), err)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return respNotFound, false
		}
		if err != nil {
			return errorLine(err), false
		}
		return "VALUE " + value, false

	case "DELETE", "DEL":
		key, _ := splitWord(rest)
		if key == "" {
			return "ERROR invalid_argument usage: DELETE <key>", false
		}
		start := time.Now()
		err := t.store.Remove(key)
		recordResult(t.metrics, metrics.OpDelete, time.Since(start), err)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return respNotFound, false
		}
		if err != nil {
			return errorLine(err), false
		}
		return respOK, false

	case "PERSIST":
		start := time.Now()
		err := t.store.Persist()
		recordResult(t.metrics, metrics.OpPersist, time.Since(start), err)
		if err != nil {
			return errorLine(err), false
		}
		return respOK, false

	case "PING":
		return respPong, false

	case "QUIT", "EXIT":
		return respBye, true

	case "":
		return "ERROR invalid_argument empty command", false

	default:
		return "ERROR unknown_command " + cmd, false
	}
}

// splitWord returns the first space-separated word of s and everything
// after the single separator that follows it.
func splitWord(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func errorLine(err error) string {
	kind := "internal"
	switch {
	case errors.Is(err, storage.ErrInvalidArgument):
		kind = "invalid_argument"
	case errors.Is(err, storage.ErrIO):
		kind = "io"
	case errors.Is(err, storage.ErrClosed):
		kind = "closed"
	}
	return "ERROR " + kind + " " + err.Error()
}

// Close stops accepting, closes every open connection and waits for the
// connection handlers to return.
func (t *TextServer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}
