package testutils

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingT struct {
	messages []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Defaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()
	assert.True(t, opts.ShowControls)
	assert.False(t, opts.NormalizeLineEndings)
	assert.False(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserter_DiffShowsCarriageReturns(t *testing.T) {
	rt := &recordingT{}
	ok := NewTextAsserter(rt).Assert("hi\n", "hi\r\n")

	assert.False(t, ok)
	require.Len(t, rt.messages, 1)
	assert.Contains(t, rt.messages[0], "-hi␍␊")
	assert.Contains(t, rt.messages[0], "+hi␊")
}

func TestTextAsserter_Options(t *testing.T) {
	ta := NewTextAsserter(t, WithNormalizeLineEndings(true), WithIgnoreTrailingWhitespace(true))
	assert.Empty(t, ta.Diff("a  \r\nb\n", "a\nb\n"))

	colored := NewTextAsserter(t, WithEnableColors(true), WithShowControls(false)).Diff("x\n", "y\n")
	assert.True(t, strings.Contains(colored, "\x1b["), "expected ANSI colors in %q", colored)
}

func TestStubPeripheral_ScriptedFailuresAreConsumed(t *testing.T) {
	stub := NewStubPeripheral("SensorTag").FailNext(StepConnect, 1)
	ctx := context.Background()

	id, err := stub.Scan(ctx, "SensorTag")
	require.NoError(t, err)

	_, err = stub.Connect(ctx, id)
	assert.ErrorIs(t, err, device.ErrConnect)

	conn, err := stub.Connect(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stub.Connections(), 1)
	assert.NoError(t, conn.Disconnect())
	assert.NoError(t, conn.Disconnect())
}

func TestStubPeripheral_ScanIgnoresOtherNames(t *testing.T) {
	stub := NewStubPeripheral("SensorTag")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := stub.Scan(ctx, "Other")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, stub.Scans())
}

func TestStubPeripheral_EchoAndStaleHandles(t *testing.T) {
	stub := NewStubPeripheral("SensorTag").WithEcho()
	ctx := context.Background()

	id, _ := stub.Scan(ctx, "SensorTag")
	conn, err := stub.Connect(ctx, id)
	require.NoError(t, err)
	svc, err := conn.DiscoverService(ctx, device.SPPServiceUUID)
	require.NoError(t, err)
	_, err = svc.DiscoverCharacteristic(ctx, device.SPPServiceUUID)
	assert.ErrorIs(t, err, device.ErrCharacteristicNotFound)
	char, err := svc.DiscoverCharacteristic(ctx, device.SPPCharacteristicUUID)
	require.NoError(t, err)
	stream, err := char.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, char.Write(ctx, []byte("ping")))
	assert.Equal(t, []byte("ping"), <-stream.C())
	assert.Equal(t, []string{"ping"}, stub.Writes())

	stub.Connections()[0].DropLink()
	_, open := <-stream.C()
	assert.False(t, open)
	assert.ErrorIs(t, char.Write(ctx, []byte("x")), device.ErrLinkLost)
}

func TestTestHelper_CapturesEntries(t *testing.T) {
	h := NewTestHelper(t)
	h.Logger.Debug("quiet")
	h.Logger.Warn("loud")

	assert.Equal(t, []string{"loud"}, h.Messages(logrus.WarnLevel))
	assert.Equal(t, []string{"quiet", "loud"}, h.Messages(logrus.DebugLevel))
}

func TestFakeTerminal(t *testing.T) {
	term := NewFakeTerminal()
	term.Type("ab")

	k, ok, err := term.PollKey(time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte('a'), k)

	_, _ = term.Write([]byte("out"))
	assert.Equal(t, "out", term.Output())
}
