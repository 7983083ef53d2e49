package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/srg/sppterm/bridge"
)

const clearLineSequence = "\r\033[K"

// statusPrinter shows the bridge phase on one updating line. It is used in
// PTY mode, where the operator's terminal does not carry session traffic.
type statusPrinter struct {
	out    io.Writer
	target string
	now    func() time.Time

	mu    sync.Mutex
	since time.Time
}

func newStatusPrinter(out io.Writer, target string) *statusPrinter {
	return &statusPrinter{out: out, target: target, now: time.Now}
}

func (p *statusPrinter) attach(m *bridge.Machine) {
	m.OnTransition(p.update)
}

func (p *statusPrinter) update(t bridge.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.To == bridge.Scanning || p.since.IsZero() {
		p.since = p.now()
	}
	elapsed := p.now().Sub(p.since).Truncate(100 * time.Millisecond)

	var line string
	switch t.To {
	case bridge.Scanning:
		line = color.YellowString("Scanning for %s...", p.target)
	case bridge.Connecting:
		line = fmt.Sprintf("Connecting to %s... (%s)", p.target, elapsed)
	case bridge.DiscoveringServices, bridge.DiscoveringCharacteristics:
		line = fmt.Sprintf("Discovering SPP service... (%s)", elapsed)
	case bridge.Subscribing:
		line = fmt.Sprintf("Subscribing... (%s)", elapsed)
	case bridge.Active:
		line = color.GreenString("Connected to %s", p.target)
	case bridge.TearingDown:
		line = color.RedString("Disconnected from %s", p.target)
	default:
		return
	}
	_, _ = fmt.Fprint(p.out, clearLineSequence+line)
	if t.To == bridge.Active || t.To == bridge.TearingDown {
		_, _ = fmt.Fprintln(p.out)
	}
}
