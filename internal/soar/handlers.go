package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"time"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/detect"
)

// ActionHandler executes one playbook action for one alert.
type ActionHandler func(ctx context.Context, action Action, alert detect.Alert) error

// analyzerPollInterval paces completion polling for analyzer jobs.
var analyzerPollInterval = 5 * time.Second

// CaseManager files alerts into a TheHive-compatible case API.
type CaseManager struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCaseManager(cfg config.SOARSettings) *CaseManager {
	return &CaseManager{
		baseURL: cfg.TheHiveURL,
		apiKey:  cfg.TheHiveAPIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Handle creates a case from the alert, then attaches the alert record
// to it. Parameters may override title, description, severity and tags.
func (c *CaseManager) Handle(ctx context.Context, action Action, alert detect.Alert) error {
	if c.baseURL == "" {
		return fmt.Errorf("case management not configured")
	}

	casePayload := map[string]interface{}{
		"title":       paramString(action.Parameters, "title", alert.Title),
		"description": paramString(action.Parameters, "description", alert.Description),
		"severity":    paramString(action.Parameters, "severity", alert.Severity),
		"tags":        paramTags(action.Parameters, alert.Tags),
	}
	var caseResp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/case", casePayload, &caseResp); err != nil {
		return fmt.Errorf("create case: %w", err)
	}

	alertPayload := map[string]interface{}{
		"title":       alert.Title,
		"description": alert.Description,
		"severity":    alert.Severity,
		"date":        alert.Timestamp.UnixMilli(),
		"tags":        alert.Tags,
		"type":        "internal",
		"source":      "LibreSIEM",
		"sourceRef":   alert.ID,
		"case":        caseResp.ID,
	}
	if err := c.post(ctx, "/api/alert", alertPayload, nil); err != nil {
		return fmt.Errorf("attach alert to case %s: %w", caseResp.ID, err)
	}
	return nil
}

func (c *CaseManager) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Analyzer runs observables through a Cortex-compatible analyzer API.
type Analyzer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAnalyzer(cfg config.SOARSettings) *Analyzer {
	return &Analyzer{
		baseURL: cfg.CortexURL,
		apiKey:  cfg.CortexAPIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Handle submits an analyzer job. With wait_for_completion set it polls
// until the job finishes or the action deadline expires.
func (a *Analyzer) Handle(ctx context.Context, action Action, alert detect.Alert) error {
	if a.baseURL == "" {
		return fmt.Errorf("analyzer not configured")
	}
	analyzerID := paramString(action.Parameters, "analyzer_id", "")
	if analyzerID == "" {
		return fmt.Errorf("action %s missing analyzer_id", action.Name)
	}

	data, _ := action.Parameters["data"].(map[string]interface{})
	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.request(ctx, http.MethodPost, "/api/analyzer/"+analyzerID+"/run", data, &job); err != nil {
		return fmt.Errorf("run analyzer %s: %w", analyzerID, err)
	}

	if wait, _ := action.Parameters["wait_for_completion"].(bool); !wait {
		return nil
	}
	for {
		if err := a.request(ctx, http.MethodGet, "/api/job/"+job.ID, nil, &job); err != nil {
			return fmt.Errorf("poll job %s: %w", job.ID, err)
		}
		switch job.Status {
		case "Success":
			return nil
		case "Failure":
			return fmt.Errorf("analyzer job %s failed", job.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(analyzerPollInterval):
		}
	}
}

func (a *Analyzer) request(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Runner shells out to the configured automation binary, one invocation
// per action. Variables become -e key=value arguments.
type Runner struct {
	binary string
}

func NewRunner(cfg config.SOARSettings) *Runner {
	return &Runner{binary: cfg.RunnerBinary}
}

func (r *Runner) Handle(ctx context.Context, action Action, alert detect.Alert) error {
	playbook := paramString(action.Parameters, "playbook", "")
	if playbook == "" {
		return fmt.Errorf("action %s missing playbook parameter", action.Name)
	}

	args := []string{playbook}
	if inventory := paramString(action.Parameters, "inventory", ""); inventory != "" {
		args = append(args, "-i", inventory)
	}
	if vars, ok := action.Parameters["variables"].(map[string]interface{}); ok {
		for _, key := range sortedParamKeys(vars) {
			args = append(args, "-e", fmt.Sprintf("%s=%v", key, vars[key]))
		}
	}
	args = append(args, "-e", "alert_id="+alert.ID)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", r.binary, playbook, err, truncate(out, 2048))
	}
	return nil
}

func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

func paramTags(params map[string]interface{}, fallback []string) []string {
	list, ok := params["tags"].([]interface{})
	if !ok {
		return fallback
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

func sortedParamKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
