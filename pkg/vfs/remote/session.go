package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/abyss-io/abyss/pkg/errors"
)

// Session is one live transport connection to a helper pod's agent. All
// control traffic is multiplexed over a single duplex byte stream: requests
// carry a sequence number, and responses echo it, so pipelined requests can
// complete out of order.
//
// The receive side is a two-state machine. In the control state it parses
// one line at a time; any line that isn't a well-formed response kills the
// session with ProtocolViolation -- there is no resynchronization after a
// framing error. When a response announces a binary payload (READ, TARC)
// the loop enters the archive state: it hands the caller a length-limited
// reader over the stream and parses no further lines until that reader has
// been fully drained.
//
// A session is not safe for pipelining causally dependent operations: the
// protocol orders nothing across requests, so write-then-stat of the same
// path must be issued sequentially by the caller.
type Session struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader

	// sendMu serializes request lines (and their immediate binary bodies)
	// onto the stream.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	nextSeq uint64
	dead    error
}

type pendingCall struct {
	op   string
	path string
	resp chan callResult
}

type callResult struct {
	fields  []string
	entries []listEntry
	body    io.ReadCloser
	err     error
}

// listEntry is one line of a LIST payload, still in wire form.
type listEntry struct {
	Kind  string
	Size  int64
	MTime int64
	Mode  uint32
	Name  string
}

// NewSession starts a session over the given duplex stream and verifies the
// agent is answering.
func NewSession(ctx context.Context, stdin io.WriteCloser, stdout io.Reader) (*Session, error) {
	s := &Session{
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		pending: map[uint64]*pendingCall{},
	}
	go s.receiveLoop()

	if _, err := s.call(ctx, "PING", nil, nil, 0); err != nil {
		s.Close()
		return nil, errors.WithContext(err, "agent handshake")
	}
	return s, nil
}

// Close tears down the session, failing any in-flight requests.
func (s *Session) Close() error {
	s.fail(errors.Transport{Err: errors.New("session closed")})
	return nil
}

// fail marks the session dead and delivers err to every in-flight request.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.dead != nil {
		s.mu.Unlock()
		return
	}
	s.dead = err
	pending := s.pending
	s.pending = map[uint64]*pendingCall{}
	s.mu.Unlock()

	s.stdin.Close()
	for _, call := range pending {
		call.resp <- callResult{err: err}
	}
}

func (s *Session) receiveLoop() {
	for {
		line, err := s.stdout.ReadString('\n')
		if err != nil {
			s.fail(errors.Transport{Err: errors.WithContext(err, "read response")})
			return
		}
		line = strings.TrimSuffix(line, "\n")

		fields := strings.Split(line, "\t")
		if len(fields) < 2 || (fields[0] != "OK" && fields[0] != "ERR") {
			s.fail(errors.ProtocolViolation{Line: line})
			return
		}

		seq, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			s.fail(errors.ProtocolViolation{Line: line})
			return
		}

		s.mu.Lock()
		call, ok := s.pending[seq]
		delete(s.pending, seq)
		s.mu.Unlock()
		if !ok {
			s.fail(errors.ProtocolViolation{Line: line})
			return
		}

		if fields[0] == "ERR" {
			call.resp <- callResult{err: decodeError(fields[2:], call.path)}
			continue
		}

		if !s.deliver(call, fields[2:]) {
			return
		}
	}
}

// deliver completes one successful call, consuming any multi-line or binary
// payload that follows the response header. It returns false if the session
// died while doing so.
func (s *Session) deliver(call *pendingCall, payload []string) bool {
	switch call.op {
	case "LIST":
		entries, err := s.readListPayload(payload)
		if err != nil {
			s.fail(err)
			return false
		}
		call.resp <- callResult{entries: entries}
		return true

	case "READ", "TARC":
		if len(payload) != 1 {
			s.fail(errors.ProtocolViolation{Line: strings.Join(payload, "\t")})
			return false
		}
		size, err := strconv.ParseInt(payload[0], 10, 64)
		if err != nil || size < 0 {
			s.fail(errors.ProtocolViolation{Line: payload[0]})
			return false
		}

		// Archive state: no line parsing until the body is drained.
		body := &bodyReader{
			r:    io.LimitReader(s.stdout, size),
			done: make(chan struct{}),
			s:    s,
		}
		call.resp <- callResult{body: body}
		<-body.done
		return true

	default:
		call.resp <- callResult{fields: payload}
		return true
	}
}

func (s *Session) readListPayload(payload []string) ([]listEntry, error) {
	if len(payload) != 1 {
		return nil, errors.ProtocolViolation{Line: strings.Join(payload, "\t")}
	}
	count, err := strconv.Atoi(payload[0])
	if err != nil || count < 0 {
		return nil, errors.ProtocolViolation{Line: payload[0]}
	}

	var entries []listEntry
	for i := 0; i < count; i++ {
		line, err := s.stdout.ReadString('\n')
		if err != nil {
			return nil, errors.Transport{Err: errors.WithContext(err, "read list entry")}
		}
		line = strings.TrimSuffix(line, "\n")

		fields := strings.Split(line, "\t")
		if len(fields) != 6 || fields[0] != "E" {
			return nil, errors.ProtocolViolation{Line: line}
		}

		size, sizeErr := strconv.ParseInt(fields[2], 10, 64)
		mtime, mtimeErr := strconv.ParseInt(fields[3], 10, 64)
		mode, modeErr := strconv.ParseUint(fields[4], 8, 32)
		if sizeErr != nil || mtimeErr != nil || modeErr != nil {
			return nil, errors.ProtocolViolation{Line: line}
		}

		entries = append(entries, listEntry{
			Kind:  fields[1],
			Size:  size,
			MTime: mtime,
			Mode:  uint32(mode),
			Name:  fields[5],
		})
	}
	return entries, nil
}

// call sends one request and waits for its response. If body is non-nil,
// exactly bodySize bytes are streamed right after the request line, under
// the same send lock so no other request can interleave.
//
// Cancelling the context mid-call kills the session: there is no way to
// retract a request already on the wire without desynchronizing the stream.
func (s *Session) call(ctx context.Context, op string, args []string,
	body io.Reader, bodySize int64) (callResult, error) {

	s.mu.Lock()
	if s.dead != nil {
		err := s.dead
		s.mu.Unlock()
		return callResult{}, err
	}
	s.nextSeq++
	seq := s.nextSeq
	call := &pendingCall{op: op, resp: make(chan callResult, 1)}
	if len(args) > 0 {
		call.path = args[len(args)-1]
	}
	s.pending[seq] = call
	s.mu.Unlock()

	line := op + "\t" + strconv.FormatUint(seq, 10)
	for _, arg := range args {
		line += "\t" + arg
	}
	line += "\n"

	s.sendMu.Lock()
	_, err := io.WriteString(s.stdin, line)
	if err == nil && body != nil {
		_, err = io.CopyN(s.stdin, body, bodySize)
	}
	s.sendMu.Unlock()
	if err != nil {
		s.fail(errors.Transport{Err: errors.WithContext(err, "send request")})
		return callResult{}, errors.Transport{Err: err}
	}

	select {
	case result := <-call.resp:
		return result, result.err
	case <-ctx.Done():
		log.WithField("op", op).Debug("Context cancelled mid-request. Dropping session.")
		s.fail(errors.Transport{Err: errors.ErrCancelled})
		return callResult{}, errors.ErrCancelled
	}
}

// validatePath rejects paths that can't be represented on the wire.
func validatePath(path string) error {
	if strings.ContainsAny(path, "\t\n") {
		return errors.Transport{Err: fmt.Errorf("path %q contains characters not representable in the transport protocol", path)}
	}
	return nil
}

func decodeError(fields []string, path string) error {
	code := ""
	msg := ""
	if len(fields) > 0 {
		code = fields[0]
	}
	if len(fields) > 1 {
		msg = strings.Join(fields[1:], "\t")
	}

	switch code {
	case "NOTFOUND":
		return errors.NotFound{Path: path}
	case "DENIED":
		return errors.PermissionDenied{Path: path}
	case "EXISTS":
		return errors.AlreadyExists{Path: path}
	default:
		return errors.Transport{Err: fmt.Errorf("remote error %s: %s", code, msg)}
	}
}

// bodyReader is the archive-state payload of a READ or TARC response. The
// receive loop blocks until Close, which drains any unread remainder so the
// stream is positioned at the next control line.
type bodyReader struct {
	r    io.Reader
	done chan struct{}
	once sync.Once
	s    *Session
}

func (b *bodyReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *bodyReader) Close() error {
	var err error
	b.once.Do(func() {
		_, err = io.Copy(io.Discard, b.r)
		close(b.done)
	})
	if err != nil {
		b.s.fail(errors.Transport{Err: errors.WithContext(err, "drain body")})
		return errors.Transport{Err: err}
	}
	return nil
}
