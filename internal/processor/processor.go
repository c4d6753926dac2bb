// Package processor invokes the external LLM analyzer subprocess for one
// job and parses its streamed output into a node payload. The processor
// itself is stateless; idempotence comes from deterministic node IDs
// downstream.
package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// defaultPrompt is used when no prompt template is configured.
const defaultPrompt = `Analyze the task segment %s..%s of the session log at %s.
Emit newline-delimited JSON events; the final event must carry the
structured analysis with summary, type, outcome, decisions, lessons,
modelQuirks, toolErrors, tags, topics and filesTouched.`

// Config mirrors the analyzer section of the daemon configuration.
type Config struct {
	Binary            string
	SkillsDir         string
	RequiredSkills    []string
	LargeSessionSkill string
	LargeSessionBytes int64
	Timeout           time.Duration
	MaxOutputBytes    int64
	PromptTemplate    string
}

// AgentResult is everything one analyzer invocation produced.
type AgentResult struct {
	Node      *types.Node // nil when no valid payload was found
	RawStdout string
	RawStderr string
	Events    []Event
	ExitCode  int
	Duration  time.Duration
}

// Processor spawns the analyzer and parses its output.
type Processor struct {
	cfg           Config
	skills        []string
	promptVersion string
}

// New discovers the available skills and verifies the required ones. A
// required skill missing is a fatal environment error.
func New(cfg Config) (*Processor, error) {
	timer := logging.StartTimer(logging.CategoryProcessor, "New")
	defer timer.Stop()

	if cfg.Binary == "" {
		return nil, fmt.Errorf("analyzer binary not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 8 << 20
	}
	if cfg.LargeSessionBytes <= 0 {
		cfg.LargeSessionBytes = 1 << 20
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = defaultPrompt
	}

	p := &Processor{cfg: cfg}
	p.skills = discoverSkills(cfg.SkillsDir)
	logging.Processor("Discovered %d skills in %s", len(p.skills), cfg.SkillsDir)

	available := make(map[string]bool, len(p.skills))
	for _, s := range p.skills {
		available[s] = true
	}
	for _, required := range cfg.RequiredSkills {
		if !available[required] {
			return nil, types.Permanent(types.ReasonMissingSkill,
				fmt.Errorf("missing required skill %q in %s", required, cfg.SkillsDir))
		}
	}

	sum := sha256.Sum256([]byte(cfg.PromptTemplate))
	p.promptVersion = hex.EncodeToString(sum[:])[:16]
	logging.Processor("Prompt version: %s", p.promptVersion)
	return p, nil
}

// discoverSkills lists skill names: one per subdirectory or .md file of
// the skills directory.
func discoverSkills(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Get(logging.CategoryProcessor).Warn("Cannot read skills dir %s: %v", dir, err)
		return nil
	}
	var skills []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			if !strings.HasSuffix(name, ".md") {
				continue
			}
			name = strings.TrimSuffix(name, ".md")
		}
		skills = append(skills, name)
	}
	sort.Strings(skills)
	return skills
}

// PromptVersion returns the hash identity of the current analysis prompt.
func (p *Processor) PromptVersion() string {
	return p.promptVersion
}

// BuildPrompt renders the analysis prompt deterministically from the job's
// segment span.
func (p *Processor) BuildPrompt(sessionPath, startID, endID string) string {
	return fmt.Sprintf(p.cfg.PromptTemplate, startID, endID, sessionPath)
}

// skillsFor returns the skill CSV for a session, conditionally including
// the large-session skill above the size threshold.
func (p *Processor) skillsFor(sessionPath string) string {
	skills := p.skills
	if p.cfg.LargeSessionSkill != "" {
		include := false
		if info, err := os.Stat(sessionPath); err == nil && info.Size() > p.cfg.LargeSessionBytes {
			include = true
		}
		if !include {
			filtered := make([]string, 0, len(skills))
			for _, s := range skills {
				if s != p.cfg.LargeSessionSkill {
					filtered = append(filtered, s)
				}
			}
			skills = filtered
		}
	}
	return strings.Join(skills, ",")
}

// InvokeAgent spawns the analyzer for one segment and parses the result.
// The working directory is the session's project. Cancellation and the
// per-job deadline kill the subprocess; the resulting failure surfaces as
// a transient timeout.
func (p *Processor) InvokeAgent(ctx context.Context, sessionPath, project, startID, endID string) (*AgentResult, error) {
	timer := logging.StartTimer(logging.CategoryProcessor, "InvokeAgent")
	defer timer.Stop()

	prompt := p.BuildPrompt(sessionPath, startID, endID)
	skills := p.skillsFor(sessionPath)

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.cfg.Binary, "--prompt", prompt, "--skills", skills)
	if project != "" {
		if info, err := os.Stat(project); err == nil && info.IsDir() {
			cmd.Dir = project
		} else {
			cmd.Dir = filepath.Dir(sessionPath)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: p.cfg.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: p.cfg.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	logging.Processor("Spawning analyzer for %s [%s..%s] (skills=%q, dir=%s)",
		sessionPath, startID, endID, skills, cmd.Dir)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &AgentResult{
		RawStdout: stdoutBuf.String(),
		RawStderr: stderrBuf.String(),
		Duration:  elapsed,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		result.ExitCode = -1
	}
	if stdoutLimited.truncated || stderrLimited.truncated {
		logging.Get(logging.CategoryProcessor).Warn("Analyzer output truncated (%d bytes discarded)",
			stdoutLimited.discarded+stderrLimited.discarded)
	}

	if execCtx.Err() == context.DeadlineExceeded {
		logging.Get(logging.CategoryProcessor).Error("Analyzer timed out after %v", elapsed)
		return result, types.Transient(types.ReasonTimeout,
			fmt.Errorf("analyzer timed out after %v", p.cfg.Timeout))
	}
	if ctx.Err() == context.Canceled {
		return result, types.Transient(types.ReasonTimeout, fmt.Errorf("analyzer canceled: %w", ctx.Err()))
	}

	result.Events, result.Node = parseAgentOutput(result.RawStdout)

	if runErr != nil && result.Node == nil {
		logging.Get(logging.CategoryProcessor).Error("Analyzer exited %d: %v", result.ExitCode, runErr)
		return result, fmt.Errorf("analyzer exited %d: %w", result.ExitCode, runErr)
	}
	if result.Node == nil {
		return result, types.Permanent(types.ReasonValidation,
			fmt.Errorf("analyzer produced no valid node payload"))
	}

	logging.Processor("Analyzer done in %v (exit=%d, %d events)", elapsed, result.ExitCode, len(result.Events))
	return result, nil
}

// limitedWriter caps buffered output, counting what it discards.
type limitedWriter struct {
	w         *bytes.Buffer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.max - lw.written
	if remaining <= 0 {
		lw.truncated = true
		lw.discarded += int64(len(p))
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		lw.truncated = true
		lw.discarded += int64(len(p)) - remaining
		lw.w.Write(p[:remaining])
		lw.written = lw.max
		return len(p), nil
	}
	lw.w.Write(p)
	lw.written += int64(len(p))
	return len(p), nil
}
