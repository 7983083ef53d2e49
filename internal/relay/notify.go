package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
)

// LineNormalizer expands carriage returns that are not followed by a
// linefeed into CR LF. It keeps state across payloads so that a CR closing
// one notification and an LF opening the next are not doubled.
type LineNormalizer struct {
	insertedLF bool
}

// Normalize returns p with lone CRs expanded. p is not modified.
func (n *LineNormalizer) Normalize(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	skipLF := n.insertedLF
	n.insertedLF = false

	out := make([]byte, 0, len(p)+2)
	for i, b := range p {
		if i == 0 && skipLF && b == '\n' {
			continue
		}
		out = append(out, b)
		if b != '\r' {
			continue
		}
		if i+1 < len(p) {
			if p[i+1] != '\n' {
				out = append(out, '\n')
			}
			continue
		}
		out = append(out, '\n')
		n.insertedLF = true
	}
	return out
}

// Notifications writes every payload from stream to out in arrival order.
// It returns a LinkLost error when the stream closes and the context cause
// when ctx ends first.
func Notifications(ctx context.Context, stream <-chan []byte, out io.Writer, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	var norm LineNormalizer
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case payload, ok := <-stream:
			if !ok {
				logger.Debug("Notification stream closed")
				return &device.Error{Kind: device.LinkLost, Msg: "notification stream closed"}
			}
			logger.WithField("bytes", len(payload)).Debug("Notification received")

			data := norm.Normalize(payload)
			if len(data) == 0 {
				continue
			}
			if _, err := out.Write(data); err != nil {
				return fmt.Errorf("failed to write to console: %w", err)
			}
		}
	}
}
