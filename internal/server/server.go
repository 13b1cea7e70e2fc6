// Package server wires a command.Database to the OP_MSG/OP_QUERY wire
// listener and a cron-scheduled maintenance loop (WAL checkpoint,
// idle-cursor reaper, idle-session reaper) into one running process.
// The scheduler follows tinySQL's internal/storage/scheduler.go shape:
// a robfig/cron/v3 instance started and stopped alongside the rest of
// the server's lifecycle, logging through the same injected
// *slog.Logger as the storage layer.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/command"
	"github.com/monodb/monodb/internal/config"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/wire"
)

// Server owns one open Database, its wire listener, and its
// maintenance scheduler.
type Server struct {
	db     *command.Database
	cfg    config.Config
	logger *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New opens dataPath/walPath under cfg and returns a Server ready to
// Start. The database's pager/lockmgr/txn logging is routed through
// logger; a nil logger falls back to slog.Default().
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := command.Open(cfg.DataDir+"/data.monodb", cfg.DataDir+"/data.wal")
	if err != nil {
		return nil, err
	}
	db.SetLogger(logger)
	return &Server{
		db:     db,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}, nil
}

// Database returns the server's underlying command.Database, for
// embedding callers (e.g. monodb.go) that want direct access alongside
// the wire listener.
func (s *Server) Database() *command.Database { return s.db }

// Start registers the maintenance schedule and, when WireEnabled,
// begins accepting wire-protocol connections on cfg.ListenAddr. It
// returns once the listener is bound; connections are served from
// background goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.scheduleMaintenance()
	s.cron.Start()

	if !s.cfg.WireEnabled {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	s.logger.Debug("server listening", "addr", ln.Addr().String())
	return nil
}

// Stop halts the cron scheduler, closes the listener, waits for
// in-flight connections to drain, and closes the underlying database.
func (s *Server) Stop() error {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return s.db.Close()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads and replies to wire messages on conn until it
// closes or a connection-level I/O error occurs. Protocol errors
// (malformed frames, unsupported opcodes, unknown required flag bits)
// are converted into a structured {ok:0, code:17, codeName:
// "ProtocolError"} reply rather than dropping the connection, per
// spec.md §4.12/§7 and its §8.6 testable scenario.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("wire connection closed", "err", err)
			}
			return
		}

		req, decodeErr := wire.Decode(frame)
		if decodeErr != nil {
			s.logger.Warn("wire protocol error", "err", decodeErr)
			hdr, hdrErr := wire.DecodeHeader(frame)
			if hdrErr != nil {
				return // not even a valid header; nothing to reply to
			}
			req = wire.Request{Header: hdr}
			reply := protocolErrorReply(decodeErr)
			if !s.writeReply(conn, req, reply) {
				return
			}
			continue
		}

		reply := s.db.Run(ctx, req.Command)
		if !s.writeReply(conn, req, reply) {
			return
		}
	}
}

func (s *Server) writeReply(conn net.Conn, req wire.Request, reply *bson.Document) bool {
	out, err := wire.EncodeReply(req, reply)
	if err != nil {
		s.logger.Error("failed to encode wire reply", "err", err)
		return false
	}
	if _, err := conn.Write(out); err != nil {
		s.logger.Debug("wire write failed", "err", err)
		return false
	}
	return true
}

func protocolErrorReply(err error) *bson.Document {
	me, ok := monoerr.As(err)
	if !ok {
		me = monoerr.Wrap(monoerr.CodeProtocolError, "malformed wire message", err)
	}
	env := me.ToEnvelope()
	return bson.DocFromElements(
		bson.Element{Name: "ok", Value: bson.Double(env.Ok)},
		bson.Element{Name: "errmsg", Value: bson.String(env.ErrMsg)},
		bson.Element{Name: "code", Value: bson.Int32(env.Code)},
		bson.Element{Name: "codeName", Value: bson.String(env.CodeName)},
	)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// readFrame reads one full wire message (header then body) from conn.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := int32(binary.LittleEndian.Uint32(header[0:4]))
	if length < 16 {
		return nil, errors.New("wire message length smaller than its own header")
	}
	rest := make([]byte, length-16)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}
	return append(header, rest...), nil
}

// scheduleMaintenance registers the periodic jobs named in
// SPEC_FULL.md's DOMAIN STACK entry for robfig/cron/v3: a WAL
// checkpoint every cfg.CheckpointInterval, an idle-cursor reaper every
// cfg.CursorTimeout, and an idle-session reaper every
// cfg.SessionTimeout — reusing each timeout as its own reaper period,
// since a cursor/session can be at most one period past expiry before
// it's swept.
func (s *Server) scheduleMaintenance() {
	checkpointSpec := "@every " + s.cfg.CheckpointInterval.String()
	s.cron.AddFunc(checkpointSpec, func() {
		if err := s.db.Checkpoint(); err != nil {
			s.logger.Error("scheduled checkpoint failed", "err", err)
			return
		}
		s.logger.Debug("scheduled checkpoint complete")
	})
	s.cron.AddFunc("@every "+s.cfg.CursorTimeout.String(), func() {
		n := s.db.ReapIdleCursors()
		if n > 0 {
			s.logger.Debug("idle cursor reaper ran", "reaped", n)
		}
	})
	s.cron.AddFunc("@every "+s.cfg.SessionTimeout.String(), func() {
		n := s.db.ReapIdleSessions()
		if n > 0 {
			s.logger.Debug("idle session reaper ran", "reaped", n)
		}
	})
}
