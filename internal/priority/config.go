package priority

import (
	"fmt"
	"strings"
	"time"
)

// Policy names accepted in Config.
const (
	PolicySingle              = "single"
	PolicyReportProcessCutoff = "report-process-cutoff"
	PolicyCEL                 = "cel"
)

// Config declares a classifier.
type Config struct {
	Policy string `json:"policy" koanf:"policy"`
	// Levels is required for the cel policy; the other policies fix it.
	Levels int `json:"levels" koanf:"levels"`
	// Cutoff (RFC 3339) for report-process-cutoff.
	Cutoff string    `json:"cutoff" koanf:"cutoff"`
	Rules  []CELRule `json:"rules" koanf:"rules"`
}

// FromConfig builds the classifier described by cfg.
func FromConfig(cfg Config) (Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "", PolicySingle:
		if cfg.Levels > 1 {
			return nil, fmt.Errorf("priority: policy %q has exactly one level", PolicySingle)
		}
		return Single(), nil
	case PolicyReportProcessCutoff:
		if cfg.Levels != 0 && cfg.Levels != 4 {
			return nil, fmt.Errorf("priority: policy %q has exactly four levels", PolicyReportProcessCutoff)
		}
		cutoff, err := time.Parse(time.RFC3339, cfg.Cutoff)
		if err != nil {
			return nil, fmt.Errorf("priority: cutoff: %w", err)
		}
		return ReportProcessCutoff(cutoff), nil
	case PolicyCEL:
		return CEL(cfg.Levels, cfg.Rules)
	default:
		return nil, fmt.Errorf("priority: unknown policy %q", cfg.Policy)
	}
}
