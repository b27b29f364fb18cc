package chronofs

import (
	"fmt"
	"sync/atomic"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"go.uber.org/zap"
)

// SessionState tracks a mount through its lifetime.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateMounted
	StateUnmounting
	StateUnmounted
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// Session is one live mount: the FUSE connection, the serve loop, and
// the teardown path.
type Session struct {
	fsys       *FS
	mountpoint string
	conn       *fuse.Conn
	logger     *zap.Logger

	state    atomic.Int32
	done     chan struct{}
	serveErr error
}

// Mount mounts the filesystem read-only at mountpoint and starts
// serving in the background. Tear it down with Close, or let an
// external unmount end it and collect the result from Wait.
func Mount(mountpoint string, fsys *FS, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := fuse.Mount(mountpoint,
		fuse.FSName("chronofs"),
		fuse.Subtype("chronofs"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", mountpoint, err)
	}
	s := &Session{
		fsys:       fsys,
		mountpoint: mountpoint,
		conn:       conn,
		logger:     logger,
		done:       make(chan struct{}),
	}
	s.state.Store(int32(StateMounted))
	go func() {
		s.serveErr = fs.Serve(conn, fsys)
		close(s.done)
	}()
	logger.Info("mounted", zap.String("mountpoint", mountpoint))
	return s, nil
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Wait blocks until the serve loop ends. If the mount was torn down
// from outside (someone ran umount), Wait also cleans up the session.
func (s *Session) Wait() error {
	<-s.done
	if s.state.CompareAndSwap(int32(StateMounted), int32(StateUnmounted)) {
		s.fsys.rec.Close()
		s.conn.Close()
		s.logger.Info("unmounted externally", zap.String("mountpoint", s.mountpoint))
	}
	return s.serveErr
}

// Close unmounts and tears the session down: stop the serve loop,
// drain any handles the kernel failed to release, close the
// connection. If the kernel refuses the unmount (open files, a process
// sitting inside the mount), the session stays mounted and Close
// returns the refusal.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateMounted), int32(StateUnmounting)) {
		return fmt.Errorf("session is %s", s.State())
	}
	if err := fuse.Unmount(s.mountpoint); err != nil {
		s.state.Store(int32(StateMounted))
		return fmt.Errorf("unmounting %s: %w", s.mountpoint, err)
	}
	<-s.done

	if open := s.fsys.rec.OpenHandles(); open > 0 {
		s.logger.Warn("draining handles left open at unmount", zap.Int("handles", open))
	}
	s.fsys.rec.Close()
	err := s.conn.Close()
	s.state.Store(int32(StateUnmounted))
	s.logger.Info("unmounted", zap.String("mountpoint", s.mountpoint))
	return err
}
