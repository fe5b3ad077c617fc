package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docarena/docarena/pkg/models"
	"github.com/joho/godotenv"
)

// ResearcherGenerator spawns an external researcher process. The child
// receives its routing through environment variables and reports the final
// result as a single JSON line on stdout; optional progress JSON lines may
// be intermixed.
type ResearcherGenerator struct {
	// Command is the researcher entrypoint (argv).
	Command []string
	// EnvFile is merged into the child environment for API keys. Values
	// already present in the parent environment win — the adapter never
	// overwrites caller-set routing behind its back.
	EnvFile string

	kind            models.GeneratorKind
	reportTypeName  string
	timeoutMinutes  int
	defaultRetries  int
	deepEnvControls bool

	mu     sync.Mutex
	active map[string]*exec.Cmd
}

// NewResearcherGenerator creates the researcher transport.
func NewResearcherGenerator(command []string, envFile string) *ResearcherGenerator {
	return &ResearcherGenerator{
		Command:        command,
		EnvFile:        envFile,
		kind:           models.GeneratorResearcher,
		reportTypeName: "research_report",
		timeoutMinutes: 10,
		active:         make(map[string]*exec.Cmd),
	}
}

// NewDeepResearcherGenerator creates the deep-research variant: same child
// protocol with report type "deep", breadth/depth env controls, a higher
// default timeout, and one default retry.
func NewDeepResearcherGenerator(command []string, envFile string) *ResearcherGenerator {
	return &ResearcherGenerator{
		Command:         command,
		EnvFile:         envFile,
		kind:            models.GeneratorDeepResearcher,
		reportTypeName:  "deep",
		timeoutMinutes:  20,
		defaultRetries:  1,
		deepEnvControls: true,
		active:          make(map[string]*exec.Cmd),
	}
}

// Kind implements Generator.
func (g *ResearcherGenerator) Kind() models.GeneratorKind { return g.kind }

// researcherOutput is the final JSON line written by the researcher child.
type researcherOutput struct {
	Status      string   `json:"status"`
	Content     string   `json:"content"`
	Costs       float64  `json:"costs"`
	Context     any      `json:"context"`
	VisitedURLs []string `json:"visited_urls"`
	Error       string   `json:"error"`
	Traceback   string   `json:"traceback"`
}

// progressLine is an optional intermixed stdout line reporting progress.
type progressLine struct {
	Stage    string  `json:"stage"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// Generate implements Generator. The subprocess is retried on timeout up to
// opts.SubprocessRetries times; each expiry kills the process tree with the
// two-phase shutdown.
func (g *ResearcherGenerator) Generate(ctx context.Context, query string, cfg GenerationConfig, opts GenerateOptions) (*GenerationResult, error) {
	if len(g.Command) == 0 {
		return nil, fmt.Errorf("researcher command not configured")
	}
	startedAt := time.Now()

	taskID := opts.TaskID
	if taskID == "" {
		taskID = "researcher-" + startedAt.Format("20060102-150405")
	}

	timeoutMinutes := opts.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = g.defaultTimeoutMinutes()
	}
	retries := opts.SubprocessRetries
	if retries <= 0 {
		retries = g.defaultRetries
	}

	fullQuery := query
	if opts.DocumentContent != "" {
		fullQuery = query + "\n\n" + opts.DocumentContent
	}

	env := g.buildEnv(fullQuery, cfg, opts)

	var (
		out      *researcherOutput
		lastErr  error
		timedOut bool
	)
	for attempt := 1; attempt <= retries+1; attempt++ {
		if opts.Progress != nil {
			opts.Progress("starting", 0,
				fmt.Sprintf("Launching researcher subprocess (attempt %d/%d)", attempt, retries+1))
		}
		attemptID := fmt.Sprintf("%s-attempt%d", taskID, attempt)

		out, timedOut, lastErr = g.runOnce(ctx, env, attemptID, time.Duration(timeoutMinutes)*time.Minute, opts.Progress)
		if lastErr == nil && !timedOut {
			break
		}
		if timedOut && attempt <= retries {
			slog.Warn("Researcher subprocess timed out, retrying",
				"task_id", taskID, "attempt", attempt, "retries_left", retries-attempt+1)
			continue
		}
		break
	}

	completedAt := time.Now()
	if timedOut {
		return nil, fmt.Errorf("researcher task %s timed out after %d minute(s)", taskID, timeoutMinutes)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("researcher task %s: %w", taskID, lastErr)
	}
	if out.Status == "failed" {
		return nil, fmt.Errorf("researcher task %s failed: %s", taskID, out.Error)
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("researcher task %s returned empty content", taskID)
	}

	if opts.Progress != nil {
		opts.Progress("completed", 1, "Research complete")
	}

	return &GenerationResult{
		Generator:       g.Kind(),
		TaskID:          taskID,
		Content:         out.Content,
		ContentType:     "markdown",
		Model:           cfg.Model,
		Provider:        cfg.Provider,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
		CostUSD:         out.Costs,
		Status:          TaskCompleted,
		Metadata: map[string]any{
			"visited_urls": out.VisitedURLs,
			"report_type":  g.reportType(opts),
		},
	}, nil
}

// Cancel terminates a running researcher subprocess.
func (g *ResearcherGenerator) Cancel(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cancelled := false
	for id, cmd := range g.active {
		if id == taskID || strings.HasPrefix(id, taskID+"-attempt") {
			terminateProcess(cmd)
			cancelled = true
		}
	}
	return cancelled
}

func (g *ResearcherGenerator) defaultTimeoutMinutes() int { return g.timeoutMinutes }

func (g *ResearcherGenerator) reportType(opts GenerateOptions) string { return g.reportTypeName }

// buildEnv layers the researcher routing variables over the parent
// environment. Parent-set values take precedence over the env file so
// operator overrides survive.
func (g *ResearcherGenerator) buildEnv(query string, cfg GenerationConfig, opts GenerateOptions) []string {
	envMap := make(map[string]string)

	if g.EnvFile != "" {
		if fileEnv, err := godotenv.Read(g.EnvFile); err == nil {
			for k, v := range fileEnv {
				envMap[k] = v
			}
		} else {
			slog.Warn("Could not read researcher env file", "path", g.EnvFile, "error", err)
		}
	}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	modelKey := cfg.Provider + ":" + cfg.Model
	envMap["SMART_LLM"] = modelKey
	envMap["FAST_LLM"] = modelKey
	envMap["STRATEGIC_LLM"] = modelKey

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	envMap["SMART_LLM_TOKEN_LIMIT"] = strconv.Itoa(maxTokens)
	envMap["FAST_LLM_TOKEN_LIMIT"] = strconv.Itoa(maxTokens)
	envMap["STRATEGIC_LLM_TOKEN_LIMIT"] = strconv.Itoa(maxTokens)
	envMap["SUMMARY_TOKEN_LIMIT"] = strconv.Itoa(clamp(maxTokens, 512, 2048))
	envMap["RESEARCH_TEMPERATURE"] = strconv.FormatFloat(cfg.Temperature, 'f', -1, 64)

	envMap["RESEARCH_PROMPT"] = query
	envMap["REPORT_TYPE"] = g.reportType(opts)
	if opts.Tone != "" {
		envMap["TONE"] = opts.Tone
	}
	if opts.Retriever != "" {
		envMap["RETRIEVER"] = opts.Retriever
	}
	if len(opts.SourceURLs) > 0 {
		if urls, err := json.Marshal(opts.SourceURLs); err == nil {
			envMap["SOURCE_URLS"] = string(urls)
		}
	}
	if g.deepEnvControls {
		if opts.Breadth > 0 {
			envMap["BREADTH"] = strconv.Itoa(opts.Breadth)
		}
		if opts.Depth > 0 {
			envMap["DEPTH"] = strconv.Itoa(opts.Depth)
		}
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	return env
}

// runOnce executes one subprocess attempt, streaming stdout for progress
// lines and collecting the final JSON result line.
func (g *ResearcherGenerator) runOnce(ctx context.Context, env []string, attemptID string, timeout time.Duration, progress ProgressFunc) (*researcherOutput, bool, error) {
	cmd := exec.Command(g.Command[0], g.Command[1:]...)
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, false, fmt.Errorf("start researcher: %w", err)
	}

	g.mu.Lock()
	g.active[attemptID] = cmd
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.active, attemptID)
		g.mu.Unlock()
	}()

	slog.Info("Researcher subprocess started",
		"attempt_id", attemptID, "pid", cmd.Process.Pid, "timeout", timeout)

	var (
		stdoutLines []string
		stderrTail  []string
		readWG      sync.WaitGroup
	)
	readWG.Add(2)
	go func() {
		defer readWG.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdoutLines = append(stdoutLines, line)
			handleProgressLine(line, progress)
		}
	}()
	go func() {
		defer readWG.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderrTail = append(stderrTail, scanner.Text())
			if len(stderrTail) > 50 {
				stderrTail = stderrTail[1:]
			}
		}
	}()

	err = waitWithDeadline(ctx, cmd, timeout)
	readWG.Wait()

	if err != nil {
		if err == errDeadline {
			return nil, true, nil
		}
		return nil, false, err
	}

	if code := cmd.ProcessState.ExitCode(); code != 0 {
		return nil, false, fmt.Errorf("researcher exited with code %d: %s",
			code, strings.Join(stderrTail, "\n"))
	}

	out, perr := parseFinalJSONLine(stdoutLines)
	if perr != nil {
		return nil, false, perr
	}
	return out, false, nil
}

// handleProgressLine parses a stdout line for a progress JSON object.
func handleProgressLine(line string, progress ProgressFunc) {
	if progress == nil {
		return
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return
	}
	var p progressLine
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return
	}
	if p.Stage == "" && p.Status == "" && p.Progress == 0 {
		return
	}
	stage := p.Stage
	if stage == "" {
		stage = p.Status
	}
	if stage == "" {
		stage = "running"
	}
	progress(stage, p.Progress, p.Message)
}

// parseFinalJSONLine finds the last JSON object line on stdout — the
// researcher's result protocol.
func parseFinalJSONLine(lines []string) (*researcherOutput, error) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out researcherOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			continue
		}
		if out.Status != "" || out.Content != "" {
			return &out, nil
		}
	}
	return nil, fmt.Errorf("no JSON result found in researcher output")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
