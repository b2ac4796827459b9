package display

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/engine"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
)

const boxWidth = 62

// Dashboard renders the latest engine status into a fixed-layout terminal
// panel once per second. Publish only swaps a value under a mutex, so the
// engine cycle never blocks on terminal IO.
type Dashboard struct {
	w        io.Writer
	interval time.Duration

	mu     sync.Mutex
	latest engine.Status
	seen   bool
}

func New(w io.Writer) *Dashboard {
	return &Dashboard{w: w, interval: time.Second}
}

// Publish implements engine.Publisher.
func (d *Dashboard) Publish(st engine.Status) {
	d.mu.Lock()
	d.latest = st
	d.seen = true
	d.mu.Unlock()
}

// Run redraws until the context is cancelled.
func (d *Dashboard) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.mu.Lock()
			st, ok := d.latest, d.seen
			d.mu.Unlock()
			if ok {
				d.render(st)
			}
		}
	}
}

func (d *Dashboard) render(st engine.Status) {
	var b strings.Builder
	b.WriteString("\033[2J\033[H") // clear and home

	line(&b, "┌", "─", "┐")
	row(&b, fmt.Sprintf(" PLASMABOT  %s  %s", st.Symbol, st.UpdatedAt.Format("15:04:05")))
	row(&b, fmt.Sprintf(" STATE: %s", st.State))
	line(&b, "├", "─", "┤")

	row(&b, fmt.Sprintf(" Mid %12.2f   Spread %6.2f bps", st.MidPrice, st.SpreadBps))
	if st.Signal != nil && st.Signal.Direction != signal.Flat {
		row(&b, fmt.Sprintf(" Signal %-5s  mag %+.3f%%  conf %.2f",
			strings.ToUpper(string(st.Signal.Direction)), st.Signal.MagnitudePct, st.Signal.Confidence))
	} else {
		row(&b, " Signal FLAT")
	}
	line(&b, "├", "─", "┤")

	row(&b, fmt.Sprintf(" Wallet %11.2f   Equity %11.2f", st.Wallet, st.Equity))
	row(&b, fmt.Sprintf(" PnL    %+11.2f   Drawdown %6.2f%%", st.TotalPnL, st.DrawdownPct*100))
	row(&b, fmt.Sprintf(" Trades %5d         Win rate %6.1f%%", st.ClosedTrades, st.WinRate*100))
	line(&b, "├", "─", "┤")

	if st.Position != nil {
		row(&b, fmt.Sprintf(" %s %.6f @ %.2f", positionLabel(st.Position.Side), st.Position.Size, st.Position.EntryPrice))
		row(&b, fmt.Sprintf(" Unrealized %+.2f", st.UnrealizedPnL))
	} else {
		row(&b, " No open position")
	}
	line(&b, "└", "─", "┘")

	fmt.Fprint(d.w, b.String())
}

func positionLabel(s portfolio.Side) string {
	if s == portfolio.SideShort {
		return "SHORT"
	}
	return "LONG "
}

func line(b *strings.Builder, left, fill, right string) {
	b.WriteString(left)
	b.WriteString(strings.Repeat(fill, boxWidth-2))
	b.WriteString(right)
	b.WriteString("\n")
}

func row(b *strings.Builder, content string) {
	if len(content) > boxWidth-2 {
		content = content[:boxWidth-2]
	}
	b.WriteString("│")
	b.WriteString(content)
	b.WriteString(strings.Repeat(" ", boxWidth-2-len(content)))
	b.WriteString("│\n")
}
