// Package unmount implements the out-of-band unmount driver: it detaches
// the kernel mount, then runs the commit handshake with the filesystem
// daemon over the pair of named message queues.
package unmount

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wimtools/wimount/internal/mqueue"
	"github.com/wimtools/wimount/pkg/types"
)

// replyTimeout is how long the driver waits for the daemon's status byte.
// Rewriting a large archive can legitimately take minutes.
const replyTimeout = 600 * time.Second

const sendTimeout = 10 * time.Second

// Options configures an unmount.
type Options struct {
	MountPoint     string
	Commit         bool
	CheckIntegrity bool
	Logger         *zap.Logger
}

// Run unmounts the filesystem at the mount point and drives the commit
// handshake. FUSE unmounts are asynchronous: fusermount returns before the
// daemon finishes, so the commit decision is sent through the queues and
// the driver then waits for the daemon's verdict.
func Run(opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// A handle still open under the mount point makes fusermount fail
	// with EBUSY; give stragglers a moment before giving up.
	err := retry.Do(
		func() error {
			out, err := exec.Command("fusermount", "-u", opts.MountPoint).CombinedOutput()
			if err != nil {
				return fmt.Errorf("fusermount -u %s: %v: %s", opts.MountPoint, err, strings.TrimSpace(string(out)))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return strings.Contains(err.Error(), "busy")
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &types.ProtocolError{Code: types.StatusFusermount, Op: "fusermount", Err: err}
	}

	u2dName, d2uName := mqueue.Names(opts.MountPoint)
	wq, err := mqueue.Open(u2dName, mqueue.WriteOnly|mqueue.Create, 0700)
	if err != nil {
		return &types.ProtocolError{Code: types.StatusQueue, Op: "open", Err: err}
	}
	rq, err := mqueue.Open(d2uName, mqueue.ReadOnly|mqueue.Create, 0700)
	if err != nil {
		wq.Close()
		mqueue.Unlink(u2dName)
		return &types.ProtocolError{Code: types.StatusQueue, Op: "open", Err: err}
	}
	defer func() {
		wq.Close()
		rq.Close()
		mqueue.Unlink(u2dName)
		mqueue.Unlink(d2uName)
	}()

	msg := []byte{0, 0}
	if opts.Commit {
		msg[0] = 1
	}
	if opts.CheckIntegrity {
		msg[1] = 1
	}
	log.Debug("sending unmount message",
		zap.Bool("commit", opts.Commit), zap.Bool("check_integrity", opts.CheckIntegrity))
	if err := wq.TimedSend(msg, 1, time.Now().Add(sendTimeout)); err != nil {
		return &types.ProtocolError{Code: types.StatusQueue, Op: "send", Err: err}
	}

	buf := make([]byte, rq.MsgSize())
	n, _, err := rq.TimedReceive(buf, time.Now().Add(replyTimeout))
	if err != nil {
		if errors.Is(err, unix.ETIMEDOUT) {
			return &types.ProtocolError{Code: types.StatusTimeout, Op: "receive", Err: err}
		}
		return &types.ProtocolError{Code: types.StatusQueue, Op: "receive", Err: err}
	}
	if n < 1 {
		return &types.ProtocolError{Code: types.StatusQueue, Op: "receive",
			Err: errors.New("empty status message")}
	}

	if status := types.StatusCode(buf[0]); status != types.StatusOK {
		return &types.ProtocolError{Code: status, Op: "daemon"}
	}
	log.Info("unmounted", zap.String("mountpoint", opts.MountPoint))
	return nil
}
