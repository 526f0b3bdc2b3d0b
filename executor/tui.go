package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/brensch/gozero/executor/predictor"
	"github.com/brensch/gozero/executor/selfplay"
	tea "github.com/charmbracelet/bubbletea"
)

type gameUpdate struct {
	workerID int
	result   string
	moves    int
}

type runDone struct{ err error }

type tickMsg time.Time

type statusModel struct {
	counters *selfplay.Counters
	stack    *predictor.Stack
	updates  chan gameUpdate
	done     chan error

	startTime   time.Time
	recentGames []string
	finished    bool
}

func newStatusModel(c *selfplay.Counters, stack *predictor.Stack, updates chan gameUpdate, done chan error) statusModel {
	return statusModel{counters: c, stack: stack, updates: updates, done: done, startTime: time.Now()}
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForUpdate(updates chan gameUpdate) tea.Cmd {
	return func() tea.Msg { return <-updates }
}

func waitForDone(done chan error) tea.Cmd {
	return func() tea.Msg {
		err := <-done
		done <- err
		return runDone{err: err}
	}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), waitForDone(m.done), tickCmd())
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tickCmd()
	case runDone:
		m.finished = true
		return m, tea.Quit
	case gameUpdate:
		line := fmt.Sprintf("worker %3d: %-8s %3d moves", msg.workerID, msg.result, msg.moves)
		m.recentGames = append([]string{line}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m statusModel) View() string {
	secs := time.Since(m.startTime).Seconds()
	rate := func(n int64) float64 {
		if secs < 1 {
			return 0
		}
		return float64(n) / secs
	}
	st := m.stack.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Model:          %s\n", m.stack.Name())
	fmt.Fprintf(&b, "Games:          %d (%d failed, %d resigned)\n", m.counters.Games.Load(), m.counters.Failures.Load(), m.counters.Resigns.Load())
	fmt.Fprintf(&b, "Duration:       %s\n", time.Since(m.startTime).Round(time.Second))
	fmt.Fprintf(&b, "Games/Sec:      %.2f\n", rate(m.counters.Games.Load()))
	fmt.Fprintf(&b, "Moves/Sec:      %.2f\n", rate(m.counters.Moves.Load()))
	fmt.Fprintf(&b, "Readouts/Sec:   %.0f\n", rate(m.counters.Readouts.Load()))
	fmt.Fprintf(&b, "Batch:          avg %.1f last %d queue %d run %.2fms\n", st.AvgBatchSize, st.LastBatchSize, st.QueueLen, st.AvgRunMs)
	if cs, ok := m.stack.CacheStats(); ok {
		fmt.Fprintf(&b, "Cache:          %d hits %d misses %d redis\n", cs.Hits, cs.Misses, cs.RedisHits)
	}

	b.WriteString("\nRecent Games:\n")
	for _, g := range m.recentGames {
		b.WriteString(g + "\n")
	}
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}
