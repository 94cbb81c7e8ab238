package soar

import (
	"context"
	"log"
	"time"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/detect"
	"github.com/libresiem/libresiem/internal/metrics"
)

// Engine matches alerts against playbooks and runs their actions. One
// slow or failing action never aborts the playbook: each action gets
// its own deadline and errors are logged and counted, then execution
// moves on.
type Engine struct {
	playbooks []*Playbook
	handlers  map[string]ActionHandler
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func NewEngine(cfg config.SOARSettings, m *metrics.Metrics) *Engine {
	e := &Engine{
		handlers: make(map[string]ActionHandler),
		metrics:  m,
		logger:   log.New(log.Writer(), "[SOAR] ", log.LstdFlags),
	}
	e.RegisterHandler("case-management", NewCaseManager(cfg).Handle)
	e.RegisterHandler("analyzer", NewAnalyzer(cfg).Handle)
	e.RegisterHandler("automation", NewRunner(cfg).Handle)
	return e
}

// RegisterHandler binds an action type to a handler. Custom in-process
// responders register here under their own type tag.
func (e *Engine) RegisterHandler(actionType string, h ActionHandler) {
	e.handlers[actionType] = h
}

// LoadPlaybooks reads the playbook directory, replacing any loaded set.
func (e *Engine) LoadPlaybooks(dir string) error {
	books, err := LoadPlaybooks(dir, func(path string, err error) {
		e.logger.Printf("⚠️ skipping %s: %v", path, err)
	})
	if err != nil {
		return err
	}
	e.playbooks = books
	e.logger.Printf("✅ loaded %d playbooks", len(books))
	return nil
}

// AddPlaybook registers a pre-parsed playbook.
func (e *Engine) AddPlaybook(p *Playbook) {
	e.playbooks = append(e.playbooks, p)
}

// Matching returns the enabled playbooks whose triggers select the
// alert. Triggers within a playbook are OR'd.
func (e *Engine) Matching(alert detect.Alert) []*Playbook {
	var out []*Playbook
	for _, book := range e.playbooks {
		if !book.IsEnabled() {
			continue
		}
		for _, trigger := range book.Triggers {
			if trigger.Match(alert) {
				out = append(out, book)
				break
			}
		}
	}
	return out
}

// ProcessAlert runs every matching playbook against the alert.
func (e *Engine) ProcessAlert(ctx context.Context, alert detect.Alert) {
	for _, book := range e.Matching(alert) {
		e.logger.Printf("🚀 playbook %s triggered by alert %s", book.ID, alert.ID)
		e.runPlaybook(ctx, book, alert)
	}
}

// ProcessAlerts feeds a batch through sequentially.
func (e *Engine) ProcessAlerts(ctx context.Context, alerts []detect.Alert) {
	for _, alert := range alerts {
		e.ProcessAlert(ctx, alert)
	}
}

func (e *Engine) runPlaybook(ctx context.Context, book *Playbook, alert detect.Alert) {
	start := time.Now()
	outcome := "success"

	for _, action := range book.Actions {
		if !conditionsMet(action.Conditions, alert) {
			continue
		}
		handler, ok := e.handlers[action.Type]
		if !ok {
			e.logger.Printf("❌ playbook %s: no handler for action type %q", book.ID, action.Type)
			outcome = "error"
			continue
		}
		if err := e.runAction(ctx, handler, action, alert); err != nil {
			e.logger.Printf("❌ playbook %s action %s: %v", book.ID, action.Name, err)
			outcome = "error"
			continue
		}
		e.logger.Printf("✅ playbook %s action %s completed", book.ID, action.Name)
	}

	if e.metrics != nil {
		e.metrics.PlaybookRuns.WithLabelValues(outcome).Inc()
		e.metrics.PlaybookDuration.Observe(time.Since(start).Seconds())
	}
}

// runAction enforces the per-action deadline. The handler runs in its
// own goroutine so a handler that ignores cancellation still cannot
// stall the playbook past its timeout.
func (e *Engine) runAction(ctx context.Context, handler ActionHandler, action Action, alert detect.Alert) error {
	actionCtx, cancel := context.WithTimeout(ctx, time.Duration(action.Timeout)*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(actionCtx, action, alert)
	}()

	select {
	case err := <-done:
		return err
	case <-actionCtx.Done():
		return actionCtx.Err()
	}
}

func conditionsMet(conditions []Trigger, alert detect.Alert) bool {
	for _, c := range conditions {
		if !c.Match(alert) {
			return false
		}
	}
	return true
}
