//go:build unix

package bridge_test

import (
	"bytes"
	"context"
	"time"

	"github.com/srg/sppterm/bridge"
	"github.com/srg/sppterm/internal/console"
	"github.com/srg/sppterm/internal/device"
)

func (s *MachineTestSuite) TestLinkLossWithUnreadPTY() {
	pty, err := console.NewPTY("", s.helper.Logger)
	if err != nil {
		s.T().Skipf("PTY not available: %v", err)
	}
	s.machine = bridge.NewMachine(s.stub, pty, bridge.MachineOptions{Logger: s.helper.Logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := s.startAttempt(ctx)
	conn := s.waitSubscribed()

	// Far more than the kernel tty buffer holds, with nobody on the slave
	chunk := bytes.Repeat([]byte("x"), 1024)
	for i := 0; i < 40; i++ {
		s.Require().NoError(conn.Notify(chunk))
	}
	time.Sleep(50 * time.Millisecond)
	conn.DropLink()

	s.ErrorIs(s.waitResult(done), device.ErrLinkLost)
	s.Equal(bridge.Scanning, s.machine.State())

	closed := make(chan error, 1)
	go func() { closed <- pty.Close() }()
	select {
	case err := <-closed:
		s.NoError(err)
	case <-time.After(waitTimeout):
		s.FailNow("PTY close blocked")
	}
}
