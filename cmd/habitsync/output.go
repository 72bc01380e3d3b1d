package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hako/durafmt"

	"github.com/TheMichaelB/habitsync/internal/models"
	hsync "github.com/TheMichaelB/habitsync/internal/services/sync"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

func formatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

func statusColor(s models.HealthStatus) *color.Color {
	switch s {
	case models.HealthHealthy:
		return successColor
	case models.HealthDegraded:
		return warnColor
	case models.HealthDown:
		return errorColor
	default:
		return dimColor
	}
}

func breakerColor(s models.BreakerState) *color.Color {
	switch s {
	case models.BreakerClosed:
		return successColor
	case models.BreakerHalfOpen:
		return warnColor
	default:
		return errorColor
	}
}

// ProgressDisplay redraws a one-line progress bar on stderr.
type ProgressDisplay struct {
	mu     sync.Mutex
	phase  string
	errors []string
	width  int
}

// NewProgressDisplay creates a progress display.
func NewProgressDisplay() *ProgressDisplay {
	return &ProgressDisplay{width: 30}
}

// SetPhase sets the label shown before the bar.
func (p *ProgressDisplay) SetPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
}

// Update redraws from a re-encryption progress snapshot.
func (p *ProgressDisplay) Update(progress *hsync.Progress) {
	if progress == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	filled := 0
	if progress.TotalFiles > 0 {
		filled = p.width * progress.ProcessedFiles / progress.TotalFiles
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", p.width-filled)
	fmt.Fprintf(os.Stderr, "\r%s [%s] %d/%d", p.phase, bar, progress.ProcessedFiles, progress.TotalFiles)
}

// AddError records a message printed after the bar closes.
func (p *ProgressDisplay) AddError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, msg)
}

// Close ends the bar line and prints collected errors.
func (p *ProgressDisplay) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(os.Stderr)
	for _, e := range p.errors {
		printWarning("  %s", e)
	}
}
