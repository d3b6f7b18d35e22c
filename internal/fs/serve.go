package fs

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wimtools/wimount/internal/mqueue"
	"github.com/wimtools/wimount/pkg/types"
)

// receiveTimeout bounds how long the daemon waits for the unmount driver's
// commit message before assuming "do not commit".
const receiveTimeout = 3 * time.Second

// replyTimeout bounds the status send; the driver is already waiting.
const replyTimeout = 10 * time.Second

// Wait blocks until the kernel unmounts the filesystem, then runs the
// commit handshake with the out-of-band unmount driver and cleans up the
// staging store. The returned status is what was reported to the driver.
func (s *Server) Wait() types.StatusCode {
	s.srv.Wait()
	s.log.Info("filesystem unmounted", zap.String("mountpoint", s.mountpoint))
	return s.handshake()
}

// handshake is the daemon side of the two-process unmount protocol: wait
// up to three seconds for the [commit, check_integrity] message, run the
// commit pipeline if asked, always remove staging, and reply with a single
// status byte.
func (s *Server) handshake() types.StatusCode {
	u2dName, d2uName := mqueue.Names(s.mountpoint)

	rq, err := mqueue.Open(u2dName, mqueue.ReadOnly|mqueue.Create, 0700)
	if err != nil {
		s.log.Error("opening unmount-to-daemon queue", zap.Error(err))
		s.cleanup()
		return types.StatusQueue
	}
	sq, err := mqueue.Open(d2uName, mqueue.WriteOnly|mqueue.Create, 0700)
	if err != nil {
		s.log.Error("opening daemon-to-unmount queue", zap.Error(err))
		rq.Close()
		mqueue.Unlink(u2dName)
		s.cleanup()
		return types.StatusQueue
	}

	commit, checkIntegrity, timedOut := false, false, false
	buf := make([]byte, rq.MsgSize())
	n, _, err := rq.TimedReceive(buf, time.Now().Add(receiveTimeout))
	if err != nil {
		// No verdict from the driver: discard changes.
		timedOut = true
		s.log.Error("no commit message from unmount driver; not committing", zap.Error(err))
	} else if n >= 2 {
		commit = buf[0] != 0
		checkIntegrity = buf[1] != 0
		s.log.Debug("received unmount message",
			zap.Bool("commit", commit), zap.Bool("check_integrity", checkIntegrity))
	}

	status := types.StatusOK
	if s.ctx.ReadWrite() && commit {
		if err := s.ctx.Commit(checkIntegrity); err != nil {
			s.log.Error("commit failed", zap.Error(err))
			status = commitStatus(err)
		}
	}
	if err := s.cleanup(); err != nil && status == types.StatusOK {
		status = types.StatusDeleteStagingDir
	}
	if timedOut && status == types.StatusOK {
		status = types.StatusTimeout
	}

	if err := sq.TimedSend([]byte{byte(status)}, 1, time.Now().Add(replyTimeout)); err != nil {
		s.log.Error("sending status to unmount driver", zap.Error(err))
	}

	rq.Close()
	sq.Close()
	mqueue.Unlink(u2dName)
	mqueue.Unlink(d2uName)
	return status
}

func (s *Server) cleanup() error {
	if err := s.ctx.CleanupStaging(); err != nil {
		s.log.Error("removing staging directory", zap.Error(err))
		return err
	}
	return nil
}

func commitStatus(err error) types.StatusCode {
	var staging *types.StagingError
	if errors.As(err, &staging) {
		return types.StatusWrite
	}
	return types.StatusCommit
}

// Unmount asks the kernel to detach the filesystem. Normal unmounts come
// from the out-of-band driver; this is for error paths in the daemon.
func (s *Server) Unmount() error {
	return s.srv.Unmount()
}
