package device_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/sppterm/internal/device"
	"github.com/stretchr/testify/suite"
)

type LinkTestSuite struct {
	suite.Suite
}

func (suite *LinkTestSuite) TestOpenLinkHasNoError() {
	l := device.NewLink()

	suite.NoError(l.Err(), "open link MUST NOT report an error")
	select {
	case <-l.Done():
		suite.Fail("Done MUST NOT be closed on an open link")
	default:
	}
}

func (suite *LinkTestSuite) TestCloseInvalidatesHandles() {
	// GOAL: A closed link makes every handle check fail with LinkLost
	//
	// TEST SCENARIO: Close with cause → Err is LinkLost → cause is preserved in the chain
	l := device.NewLink()
	cause := errors.New("supervision timeout")

	suite.True(l.Close(cause), "first Close MUST report that it closed the link")

	err := l.Err()
	suite.ErrorIs(err, device.ErrLinkLost)
	suite.ErrorIs(err, cause)
	suite.Equal(cause, l.Cause())

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		suite.Fail("Done MUST be closed after Close")
	}
}

func (suite *LinkTestSuite) TestCloseIsIdempotent() {
	l := device.NewLink()
	first := errors.New("first")

	var wg sync.WaitGroup
	closedCount := 0
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cause := first
			if i > 0 {
				cause = errors.New("later")
			}
			if l.Close(cause) {
				mu.Lock()
				closedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	suite.Equal(1, closedCount, "exactly one Close MUST win")
	suite.ErrorIs(l.Err(), device.ErrLinkLost)
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}
