// Command sampler-watch renders a rolling terminal dashboard over the
// optional line-oriented event trace allocsampler writes to stdout when
// SAMPLER_EVENT_TRACE=1. It never touches the sampled process directly;
// it only ever reads whatever is piped into its own stdin, e.g.:
//
//	SAMPLER_EVENT_TRACE=1 LD_PRELOAD=./libsampler.so ./target | sampler-watch
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/arsham/figurine/figurine"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fogleman/ease"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"

	"github.com/yikesaxe/allocsampler/internal/sampler"
)

const rollingWindow = 200

type traceMsg sampler.TraceEvent
type traceClosedMsg struct{}

type model struct {
	events       chan sampler.TraceEvent
	closed       chan struct{}
	allocs       int
	frees        int
	sampledSum   uint64
	recent       []sampler.TraceEvent
	termWidth    int
	colorProfile termenv.Profile
}

func newModel(events chan sampler.TraceEvent, closed chan struct{}) model {
	return model{
		events:       events,
		closed:       closed,
		termWidth:    80,
		colorProfile: termenv.ColorProfile(),
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events, m.closed)
}

func waitForEvent(events chan sampler.TraceEvent, closed chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-events:
			if !ok {
				return traceClosedMsg{}
			}
			return traceMsg(ev)
		case <-closed:
			return traceClosedMsg{}
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
	case traceMsg:
		ev := sampler.TraceEvent(msg)
		if ev.Kind == "alloc" {
			m.allocs++
			m.sampledSum += ev.Bytes
		} else {
			m.frees++
		}
		m.recent = append(m.recent, ev)
		if len(m.recent) > rollingWindow {
			m.recent = m.recent[len(m.recent)-rollingWindow:]
		}
		return m, waitForEvent(m.events, m.closed)
	case traceClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	bar := sampleRateBar(m.recent, m.termWidth-10)
	body := fmt.Sprintf(
		"sampled allocs: %d   sampled frees: %d   live estimate: %d   sampled bytes: %d\n\n%s\n\npress q to quit",
		m.allocs, m.frees, m.allocs-m.frees, m.sampledSum, bar,
	)
	return wordwrap.String(body, m.termWidth)
}

// sampleRateBar draws a small gradient bar whose fill fraction is the
// share of "alloc" events in the rolling window, colored from cool to
// warm using go-colorful's perceptual blend and fogleman/ease's cubic
// ease-out for a less linear-looking ramp.
func sampleRateBar(recent []sampler.TraceEvent, width int) string {
	if width < 10 {
		width = 10
	}
	if len(recent) == 0 {
		return termenv.String(fmt.Sprintf("[%s]", pad("", width))).Faint().String()
	}
	allocs := 0
	for _, ev := range recent {
		if ev.Kind == "alloc" {
			allocs++
		}
	}
	frac := ease.OutCubic(float64(allocs) / float64(len(recent)))
	filled := int(frac * float64(width))

	cool, _ := colorful.Hex("#3b82f6")
	warm, _ := colorful.Hex("#f97316")
	fillColor := cool.BlendLuv(warm, frac).Hex()

	bar := termenv.String(pad("", filled)).Background(termenv.RGBColor(fillColor)).String()
	return "[" + bar + pad("", width-filled) + "]"
}

func pad(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}

func main() {
	out := colorable.NewColorableStdout()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		figurine.Write(out, "allocsampler", "3d.flf") //nolint:errcheck
	}

	events := make(chan sampler.TraceEvent, 64)
	closed := make(chan struct{})
	go readTrace(os.Stdin, events, closed)

	p := tea.NewProgram(newModel(events, closed))
	if err := p.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "sampler-watch:", err)
		os.Exit(1)
	}
}

func readTrace(r io.Reader, events chan<- sampler.TraceEvent, closed chan<- struct{}) {
	defer close(closed)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var ev sampler.TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // a malformed line is skipped, not fatal
		}
		events <- ev
	}
}
