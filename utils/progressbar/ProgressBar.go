// Package progressbar implements functionality of printing a progress
// bar to the terminal window
package progressbar

import (
	"fmt"
	"strings"
	"time"
)

// ProgressBar implements a terminal progress bar. The bar redraws in
// a separate goroutine so that drawing never blocks the process being
// tracked.
type ProgressBar struct {
	width int

	// max is the number of Increment calls at which the bar reaches
	// 100%
	max int

	// incremented carries Increment events to the display goroutine,
	// which owns the progress counter
	incremented chan struct{}
	done        chan struct{}
	closed      bool

	// redrawEvery is the period of timed redraws. When redrawOnTick
	// is set, the bar additionally redraws on every Increment call.
	redrawEvery  time.Duration
	redrawOnTick bool
}

// NewProgressBar returns a new progress bar that is width characters
// wide and reaches 100% after max Increment calls.
func NewProgressBar(width, max int, redrawEvery time.Duration,
	redrawOnTick bool) *ProgressBar {
	return &ProgressBar{
		width:        width,
		max:          max,
		incremented:  make(chan struct{}),
		done:         make(chan struct{}),
		redrawEvery:  redrawEvery,
		redrawOnTick: redrawOnTick,
	}
}

// Increment advances the progress counter by one iteration.
// Increments arriving after Close are dropped.
func (p *ProgressBar) Increment() {
	go func() {
		select {
		case p.incremented <- struct{}{}:
		case <-p.done:
		}
	}()
}

// Close stops the progress bar and releases its resources. Close
// panics when called twice.
func (p *ProgressBar) Close() {
	if p.closed {
		panic("close: close on closed progress bar")
	}
	p.closed = true
	close(p.done)
	fmt.Println()
}

// Display starts drawing the progress bar to the terminal. It should
// only be called once.
func (p *ProgressBar) Display() {
	go func() {
		ticker := time.NewTicker(p.redrawEvery)
		defer ticker.Stop()

		progress := 0
		elapsed := time.Duration(0)

		for {
			select {
			case <-p.incremented:
				if progress < p.max {
					progress++
				}
				if !p.redrawOnTick {
					continue
				}

			case <-ticker.C:
				elapsed += p.redrawEvery

			case <-p.done:
				return
			}

			fmt.Printf("\n\033[1A\033[K%v", p.render(progress, elapsed))
		}
	}()
}

// render draws the bar for the argument progress and elapsed time.
func (p *ProgressBar) render(progress int, elapsed time.Duration) string {
	filled := int(float64(progress) / float64(p.max) *
		float64(p.width))

	var bar strings.Builder
	bar.WriteString("|")
	bar.WriteString(strings.Repeat("█", filled))
	bar.WriteString(strings.Repeat(" ", p.width-filled))
	bar.WriteString(fmt.Sprintf("| [%.2f%% | elapsed: %v]",
		float64(progress)/float64(p.max)*100, elapsed))

	return bar.String()
}
