// Package observability provides the service logger and formatted output for
// the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/splat-queue/internal/db"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 10
)

// Printer handles formatted output for CLI commands
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func stageMarker(s db.StageStatus) string {
	switch s {
	case db.StageCompleted:
		return "✓"
	case db.StageRunning:
		return "▶"
	case db.StageFailed:
		return "✗"
	default:
		return "·"
	}
}

// PrintJob outputs a job's status, configuration and stage progress.
func (p *Printer) PrintJob(job *db.Job) {
	if job == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:      %s\n", job.ID))
	sb.WriteString(fmt.Sprintf("Status:  %s\n", job.Status))
	sb.WriteString(fmt.Sprintf("Created: %s\n", job.CreatedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Updated: %s\n", job.UpdatedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Config:  %s, %d frames, %d iters, %dpx\n",
		job.Config.OutputFormat, job.Config.MaxFrames, job.Config.TrainingIterations, job.Config.Resolution))
	sb.WriteString("\n")

	sb.WriteString("Stages:\n")
	for _, s := range job.Stages {
		sb.WriteString(fmt.Sprintf("  %s %-17s %s", stageMarker(s.Status), s.Name, s.Status))
		if s.Detail != nil && *s.Detail != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", *s.Detail))
		}
		sb.WriteString("\n")
	}

	if job.Error != nil {
		sb.WriteString(fmt.Sprintf("\nError:   %s\n", *job.Error))
	}
	if job.ResultRef != nil {
		sb.WriteString(fmt.Sprintf("\nResult:  %s\n", *job.ResultRef))
	}

	p.printBox("JOB", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintJobList outputs one line per job, newest first.
func (p *Printer) PrintJobList(jobs []db.Job) {
	if len(jobs) == 0 {
		p.printBox("JOBS", "No jobs found")
		return
	}

	var sb strings.Builder
	count := min(len(jobs), maxItemsToShow)
	for i := 0; i < count; i++ {
		job := jobs[i]
		sb.WriteString(fmt.Sprintf("%s  %-10s  %s\n",
			job.ID.String()[:8], job.Status, job.CreatedAt.Format("2006-01-02 15:04")))
	}
	if len(jobs) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more\n", len(jobs)-maxItemsToShow))
	}

	p.printBox(fmt.Sprintf("JOBS (%d)", len(jobs)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintQueueStats outputs the number of jobs in each status.
func (p *Printer) PrintQueueStats(counts map[db.JobStatus]int) {
	var sb strings.Builder
	total := 0
	for _, s := range db.AllJobStatuses {
		sb.WriteString(fmt.Sprintf("%-11s %d\n", s, counts[s]))
		total += counts[s]
	}
	sb.WriteString(fmt.Sprintf("%-11s %d", "total", total))

	p.printBox("QUEUE", sb.String())
}
