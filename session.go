package tapproxy

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionStarted is returned when Run is called more than once.
	ErrSessionStarted = errors.New("session already started")
	// ErrSessionClosed is returned when Run is called on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateCreated State = iota
	StateRunning
	// StateEnded means both pumps have stopped; statistics are final but the
	// connections may not be released yet.
	StateEnded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DirectionStats counts what happened to the messages of one direction.
type DirectionStats struct {
	Read         int // complete frames read
	Forwarded    int
	Dropped      int // dropped by a tap
	Undecoded    int // no field mapping: unregistered or malformed
	DecodeErrors int
	TapErrors    int
}

// Stats holds per direction counters.
type Stats struct {
	Client DirectionStats
	Server DirectionStats
}

// For returns the counters of dir.
func (s Stats) For(dir Direction) DirectionStats {
	if dir == Server {
		return s.Server
	}
	return s.Client
}

func (s *Stats) of(dir Direction) *DirectionStats {
	if dir == Server {
		return &s.Server
	}
	return &s.Client
}

// Record is the history entry of one message read by a session.
type Record struct {
	Seq        uint64
	Message    Message // as read from the source
	Decoded    Decoded
	Registered bool
	Forwarded  bool
	Out        Message // as written to the sink, when Forwarded
	Err        error   // decode, tap or write errors for this message
}

// Summary is handed to the completion hook once per session.
type Summary struct {
	SessionID string
	Stats     Stats
	History   []Record
	Err       error
}

// Session relays one captured client/server stream pair through the tap
// chain. It owns both connections and closes them when it ends.
type Session struct {
	id     string
	conns  [2]*Conn
	codec  *Codec
	taps   [2]Chain
	opts   sessionOptions
	logger Logger

	state atomic.Int32

	mu      sync.Mutex
	stats   Stats
	history []Record
	seq     uint64
	err     error // first fatal error

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session over a client and a server connection.
// Client messages are forwarded into the server connection's sink and
// server messages into the client's.
func NewSession(client, server *Conn, codec *Codec, opt ...SessionOption) *Session {
	opts := sessionOptions{keepHistory: true}
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Continue }
	}

	s := &Session{
		id:     uuid.NewString(),
		conns:  [2]*Conn{Client: client, Server: server},
		codec:  codec,
		opts:   opts,
		logger: opts.logger,
	}
	s.taps[Client] = Chain{opts.clientTap, opts.sharedTap}
	s.taps[Server] = Chain{opts.serverTap, opts.sharedTap}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// History returns a copy of the records kept so far.
func (s *Session) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// Run pumps both directions until each reaches its end, a fatal error occurs
// or ctx is canceled. It invokes the completion hook and closes both
// connections before returning.
//
// The returned error is nil when both streams ended cleanly, the fatal error
// that ended the session, or the framing error of a truncated stream.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if s.State() == StateClosed {
			return s.Stats(), ErrSessionClosed
		}
		return s.Stats(), ErrSessionStarted
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() {
		s.abort(ctx.Err())
	})
	defer stop()

	s.logger.Info("session started", "session", s.id,
		"client", s.conns[Client].Name(), "server", s.conns[Server].Name())

	var g errgroup.Group
	g.Go(func() error { return s.pump(Client) })
	g.Go(func() error { return s.pump(Server) })
	err := g.Wait()

	s.mu.Lock()
	if s.err != nil {
		err = s.err
	}
	stats := s.stats
	history := s.history
	s.mu.Unlock()

	s.state.CompareAndSwap(int32(StateRunning), int32(StateEnded))
	s.logEnd(stats, err)
	s.opts.metrics.observeSession(err)

	if s.opts.onComplete != nil {
		s.opts.onComplete(Summary{SessionID: s.id, Stats: stats, History: history, Err: err})
	}
	return stats, err
}

// Close releases both connections. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closeConns()
		s.state.Store(int32(StateClosed))
	})
	return s.closeErr
}

func (s *Session) closeConns() error {
	var err error
	for _, c := range s.conns {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// abort records the first fatal error and closes both connections, which
// unblocks the opposite pump.
func (s *Session) abort(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.closeConns()
}

func (s *Session) pump(dir Direction) (err error) {
	src, dst := s.conns[dir], s.conns[dir.Opposite()]
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("%s pump panic: %v", dir, p)
			s.logger.Error("pump panic", "session", s.id, "direction", dir, "panic", p)
			s.abort(err)
		}
	}()

	for {
		m, err := src.ReadMessage()
		if err != nil {
			return s.endDirection(dir, err)
		}
		if err := s.handle(dir, m, dst); err != nil {
			return err
		}
	}
}

// endDirection classifies the error that stopped a pump.
func (s *Session) endDirection(dir Direction, err error) error {
	var ioErr *IOError
	switch {
	case err == io.EOF:
		s.logger.Debug("direction ended", "session", s.id, "direction", dir)
		return nil
	case errors.As(err, &ioErr):
		if !errors.Is(err, ErrConnectionClosed) {
			s.logger.Error("read failed", "session", s.id, "direction", dir, "error", err)
			s.opts.metrics.observeError(dir, "io")
		}
		s.abort(err)
		return err
	default:
		s.logger.Warn("stream ended early", "session", s.id, "direction", dir, "error", err)
		s.opts.metrics.observeError(dir, "framing")
		if s.opts.onError(err) == Disconnect {
			s.abort(err)
		}
		return err
	}
}

// handle decodes, taps and forwards one message. Only a write failure
// returns an error.
func (s *Session) handle(dir Direction, m Message, dst *Conn) error {
	d, registered := s.codec.Decode(m)
	rec := Record{Message: m, Decoded: d, Registered: registered}

	var (
		errs       []error
		disconnect bool
		decodeErr  bool
	)
	if d.Err != nil {
		decodeErr = true
		errs = append(errs, d.Err)
		s.logger.Warn("decode failed", "session", s.id, "direction", dir,
			"id", m.id, "name", d.Name, "error", d.Err)
		s.opts.metrics.observeError(dir, "decode")
		disconnect = s.opts.onError(d.Err) == Disconnect
	}

	out, keep, tapErr := s.taps[dir].TapDecoded(m, d, registered)
	var tapErrs []error
	for _, e := range splitErrors(tapErr) {
		te := &TapError{Direction: dir, ID: m.id, Err: e}
		tapErrs = append(tapErrs, te)
		s.logger.Warn("tap failed", "session", s.id, "direction", dir, "id", m.id, "error", e)
		s.opts.metrics.observeError(dir, "tap")
		if s.opts.onError(te) == Disconnect {
			disconnect = true
		}
	}
	errs = append(errs, tapErrs...)

	var writeErr error
	if keep {
		if writeErr = dst.WriteMessage(out); writeErr == nil {
			rec.Forwarded = true
			rec.Out = out
		} else {
			errs = append(errs, writeErr)
		}
	}
	rec.Err = joinErrors(errs)

	s.mu.Lock()
	st := s.stats.of(dir)
	st.Read++
	switch {
	case rec.Forwarded:
		st.Forwarded++
	case !keep:
		st.Dropped++
	}
	if d.Fields == nil {
		st.Undecoded++
	}
	if decodeErr {
		st.DecodeErrors++
	}
	st.TapErrors += len(tapErrs)
	s.seq++
	rec.Seq = s.seq
	if s.opts.keepHistory {
		s.history = append(s.history, rec)
	}
	s.mu.Unlock()

	if writeErr != nil {
		if !errors.Is(writeErr, ErrConnectionClosed) {
			s.logger.Error("forward failed", "session", s.id, "direction", dir, "error", writeErr)
			s.opts.metrics.observeError(dir, "io")
		}
		s.abort(writeErr)
		return writeErr
	}
	s.opts.metrics.observeMessage(dir, rec.Forwarded)

	if disconnect {
		err := errors.Wrapf(errs[0], "%s disconnected", dir)
		s.abort(err)
		return err
	}
	return nil
}

func (s *Session) logEnd(stats Stats, err error) {
	for _, dir := range []Direction{Client, Server} {
		st := stats.For(dir)
		s.logger.Info("direction summary", "session", s.id, "direction", dir,
			"read", st.Read, "forwarded", st.Forwarded, "dropped", st.Dropped,
			"undecoded", st.Undecoded, "decode_errors", st.DecodeErrors, "tap_errors", st.TapErrors)
	}
	if err != nil {
		s.logger.Warn("session ended", "session", s.id, "error", err)
		return
	}
	s.logger.Info("session ended", "session", s.id)
}
