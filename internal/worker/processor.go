package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/splat-queue/internal/db"
)

const (
	// stderrTailBytes is how much pipeline stderr is kept for error reports.
	stderrTailBytes = 2 << 10
	// waitDelay bounds the wait for output pipes after the command exits.
	waitDelay = 5 * time.Second
)

// ProcessRequest describes one pipeline run.
type ProcessRequest struct {
	JobID     uuid.UUID
	Config    db.JobConfig
	VideoPath string
	WorkDir   string
}

// Processor turns an input video into a result file, reporting stage
// progress through tracker. It returns the result file's path.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest, tracker *StageTracker) (string, error)
}

// PipelineError reports a pipeline command that failed.
type PipelineError struct {
	Message  string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *PipelineError) Error() string {
	msg := e.Message
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit status %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ExecProcessor runs an external reconstruction command. The command prints
// progress on stdout, one directive per line:
//
//	stage <name> <status> [detail...]
//	result <path>
//
// Any other output is logged at debug level.
type ExecProcessor struct {
	command []string
	log     zerolog.Logger
}

// NewExecProcessor parses command as a program followed by fixed arguments.
func NewExecProcessor(command string, log zerolog.Logger) (*ExecProcessor, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("pipeline command is empty")
	}
	return &ExecProcessor{command: fields, log: log}, nil
}

// Args returns the arguments passed for req after the fixed command.
func (p *ExecProcessor) Args(req ProcessRequest, outPath string) []string {
	return []string{
		"--video", req.VideoPath,
		"--out", outPath,
		"--format", req.Config.OutputFormat,
		"--max-frames", strconv.Itoa(req.Config.MaxFrames),
		"--iterations", strconv.Itoa(req.Config.TrainingIterations),
		"--resolution", strconv.Itoa(req.Config.Resolution),
	}
}

// Process runs the command in req.WorkDir and waits for it.
func (p *ExecProcessor) Process(ctx context.Context, req ProcessRequest, tracker *StageTracker) (string, error) {
	outPath := filepath.Join(req.WorkDir, "output."+req.Config.OutputFormat)
	args := append(append([]string{}, p.command[1:]...), p.Args(req, outPath)...)

	cmd := exec.CommandContext(ctx, p.command[0], args...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &PipelineError{Message: "failed to open pipeline stdout", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return "", &PipelineError{Message: "failed to start pipeline", Cause: err}
	}

	// Children of the command may keep stdout open after it is killed.
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stop()

	log := p.log.With().Str("job_id", req.JobID.String()).Logger()
	resultPath := ""
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		d, ok := parseLine(line)
		if !ok {
			log.Debug().Str("line", line).Msg("pipeline output")
			continue
		}
		switch d.kind {
		case directiveStage:
			if err := tracker.Set(d.stage, d.status, d.detail); err != nil {
				log.Warn().Err(err).Str("line", line).Msg("ignoring stage directive")
			}
		case directiveResult:
			resultPath = d.path
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		pe := &PipelineError{Message: "pipeline failed", Stderr: stderr.String(), Cause: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			pe.ExitCode = exitErr.ExitCode()
		}
		return "", pe
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if scanErr != nil {
		return "", &PipelineError{Message: "failed to read pipeline output", Cause: scanErr}
	}

	if resultPath == "" {
		resultPath = outPath
	} else if !filepath.IsAbs(resultPath) {
		resultPath = filepath.Join(req.WorkDir, resultPath)
	}
	info, err := os.Stat(resultPath)
	if err != nil {
		return "", &PipelineError{Message: "pipeline produced no result", Stderr: stderr.String(), Cause: err}
	}
	if info.Size() == 0 {
		return "", &PipelineError{Message: "pipeline produced an empty result", Stderr: stderr.String()}
	}
	return resultPath, nil
}

type directiveKind int

const (
	directiveStage directiveKind = iota + 1
	directiveResult
)

type directive struct {
	kind   directiveKind
	stage  string
	status db.StageStatus
	detail string
	path   string
}

// parseLine recognises the stage and result directives.
func parseLine(line string) (directive, bool) {
	word, rest := cutField(line)
	switch word {
	case "stage":
		name, rest := cutField(rest)
		status, detail := cutField(rest)
		if name == "" || status == "" {
			return directive{}, false
		}
		return directive{
			kind:   directiveStage,
			stage:  name,
			status: db.StageStatus(status),
			detail: strings.TrimSpace(detail),
		}, true
	case "result":
		path := strings.TrimSpace(rest)
		if path == "" {
			return directive{}, false
		}
		return directive{kind: directiveResult, path: path}, true
	}
	return directive{}, false
}

// cutField splits off the first whitespace-separated field of s.
func cutField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
