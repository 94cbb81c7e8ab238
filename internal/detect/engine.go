package detect

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/libresiem/libresiem/internal/models"
)

// Engine runs every loaded rule family over incoming events. Alerts
// come back in a fixed order: Sigma rules by ascending id, then custom
// rules, then content signatures, then anomaly scorers, so replayed
// events raise identical alert sequences.
type Engine struct {
	sigma      []*SigmaRule
	custom     []*CustomRule
	signatures []*SignatureRule
	scorers    map[string]*AnomalyScorer
	logger     *log.Logger
}

func NewEngine() *Engine {
	return &Engine{
		scorers: NewAnomalyScorers(),
		logger:  log.New(log.Writer(), "[DETECT] ", log.LstdFlags),
	}
}

// LoadRules walks rulesDir's sigma/, custom/ and yara/ subdirectories.
// A missing subdirectory is fine; a malformed rule file is logged and
// skipped so one bad rule cannot disable detection.
func (e *Engine) LoadRules(rulesDir string) error {
	if err := e.loadSigma(filepath.Join(rulesDir, "sigma")); err != nil {
		return err
	}
	if err := e.loadCustom(filepath.Join(rulesDir, "custom")); err != nil {
		return err
	}
	if err := e.loadSignatures(filepath.Join(rulesDir, "yara")); err != nil {
		return err
	}
	e.logger.Printf("✅ loaded %d sigma, %d custom, %d signature rules",
		len(e.sigma), len(e.custom), len(e.signatures))
	return nil
}

func (e *Engine) loadSigma(dir string) error {
	files, err := listFiles(dir, ".yml", ".yaml")
	if err != nil {
		return err
	}
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rule, err := ParseSigmaRule(raw)
		if err != nil {
			e.logger.Printf("⚠️ skipping %s: %v", path, err)
			continue
		}
		e.sigma = append(e.sigma, rule)
	}
	sort.Slice(e.sigma, func(i, j int) bool { return e.sigma[i].ID < e.sigma[j].ID })
	return nil
}

func (e *Engine) loadCustom(dir string) error {
	files, err := listFiles(dir, ".json")
	if err != nil {
		return err
	}
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rule, err := ParseCustomRule(raw)
		if err != nil {
			e.logger.Printf("⚠️ skipping %s: %v", path, err)
			continue
		}
		e.custom = append(e.custom, rule)
	}
	sort.Slice(e.custom, func(i, j int) bool { return e.custom[i].ID < e.custom[j].ID })
	return nil
}

func (e *Engine) loadSignatures(dir string) error {
	files, err := listFiles(dir, ".yar")
	if err != nil {
		return err
	}
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rules, err := ParseSignatures(string(raw))
		if err != nil {
			e.logger.Printf("⚠️ skipping %s: %v", path, err)
			continue
		}
		e.signatures = append(e.signatures, rules...)
	}
	sort.Slice(e.signatures, func(i, j int) bool { return e.signatures[i].Name < e.signatures[j].Name })
	return nil
}

func listFiles(dir string, exts ...string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		for _, ext := range exts {
			if strings.HasSuffix(path, ext) {
				out = append(out, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// AddSigmaRule registers a pre-parsed rule, keeping id order.
func (e *Engine) AddSigmaRule(rule *SigmaRule) {
	e.sigma = append(e.sigma, rule)
	sort.Slice(e.sigma, func(i, j int) bool { return e.sigma[i].ID < e.sigma[j].ID })
}

// AddCustomRule registers a pre-parsed custom rule.
func (e *Engine) AddCustomRule(rule *CustomRule) {
	e.custom = append(e.custom, rule)
	sort.Slice(e.custom, func(i, j int) bool { return e.custom[i].ID < e.custom[j].ID })
}

// AddSignatures registers parsed signature rules.
func (e *Engine) AddSignatures(rules ...*SignatureRule) {
	e.signatures = append(e.signatures, rules...)
	sort.Slice(e.signatures, func(i, j int) bool { return e.signatures[i].Name < e.signatures[j].Name })
}

// Scorer returns the anomaly scorer for an event family, for training.
func (e *Engine) Scorer(eventType string) (*AnomalyScorer, bool) {
	s, ok := e.scorers[eventType]
	return s, ok
}

// ProcessEvent runs all rule families and returns the alerts raised.
func (e *Engine) ProcessEvent(event *models.Event) []Alert {
	view := eventView(event)
	var alerts []Alert

	for _, rule := range e.sigma {
		if rule.Match(view) {
			a := newAlert("sigma", rule.ID)
			a.Title = rule.Title
			a.Description = rule.Description
			a.Severity = rule.Level
			a.RuleName = rule.Title
			a.SourceEvent = event
			a.MatchedFields = rule.MatchedFields(view)
			a.Tags = rule.Tags
			alerts = append(alerts, a)
		}
	}

	for _, rule := range e.custom {
		if rule.Match(view) {
			a := newAlert("custom", rule.ID)
			a.Title = rule.Title
			a.Description = rule.Description
			a.Severity = rule.Severity
			a.RuleName = rule.Title
			a.SourceEvent = event
			a.MatchedFields = rule.MatchedFields(view)
			a.Tags = rule.Tags
			alerts = append(alerts, a)
		}
	}

	if content, ok := fileContent(view); ok {
		for _, rule := range e.signatures {
			if rule.Match(content) {
				a := newAlert("signature", rule.Name)
				a.Title = "Signature Detection: " + rule.Name
				a.Description = "File content matched signature rule: " + rule.Name
				a.Severity = rule.Severity
				a.RuleName = rule.Name
				a.SourceEvent = event
				a.MatchedFields = map[string]interface{}{"file": filePath(view)}
				a.Tags = []string{"signature", "malware"}
				alerts = append(alerts, a)
			}
		}
	}

	if alert, ok := e.scoreAnomaly(event); ok {
		alerts = append(alerts, alert)
	}

	return alerts
}

func (e *Engine) scoreAnomaly(event *models.Event) (Alert, bool) {
	family := strings.SplitN(event.EventType, ".", 2)[0]
	scorer, ok := e.scorers[family]
	if !ok {
		return Alert{}, false
	}
	score, ok := scorer.Score(scorer.FeatureValues(event.Data))
	if !ok || score >= AnomalyThreshold {
		return Alert{}, false
	}

	a := newAlert("anomaly", "anomaly_"+family)
	a.Title = "Anomaly: " + family
	a.Description = fmt.Sprintf("Anomalous %s event detected", family)
	a.Severity = "medium"
	a.RuleName = "Anomaly Detection - " + family
	a.SourceEvent = event
	a.MatchedFields = map[string]interface{}{"anomaly_score": score}
	a.Tags = []string{"anomaly", family}
	return a, true
}
