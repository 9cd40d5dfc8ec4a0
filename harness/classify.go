package harness

import (
	"errors"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Category is one of the named error taxonomy buckets.
type Category string

// The nine error categories.
const (
	CategoryTransient        Category = "transient"
	CategoryRateLimited      Category = "rate_limited"
	CategoryQuota            Category = "quota"
	CategoryPermanent        Category = "permanent"
	CategoryLimitHit         Category = "limit_hit"
	CategoryBudget           Category = "budget"
	CategoryCancelled        Category = "cancelled"
	CategoryIntegrity        Category = "integrity"
	CategoryPermissionDenied Category = "permission_denied"
)

// RetryPolicy describes how a category's default retries behave.
type RetryPolicy struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	InitialDelay float64 `yaml:"initial_delay_seconds"`
	Multiplier   float64 `yaml:"backoff_multiplier"`
}

// Classification is the result of classifying a provider error.
type Classification struct {
	Category  Category
	Retryable bool
	Policy    RetryPolicy
}

// Classifier classifies an error into a deterministic Classification.
type Classifier func(err error) Classification

// defaultPolicies gives each category a conservative default retry policy;
// Rules loaded from a YAML file can override any of these per category.
var defaultPolicies = map[Category]RetryPolicy{
	CategoryTransient:        {MaxAttempts: 3, InitialDelay: 1, Multiplier: 2},
	CategoryRateLimited:      {MaxAttempts: 5, InitialDelay: 2, Multiplier: 2},
	CategoryQuota:            {MaxAttempts: 0},
	CategoryPermanent:        {MaxAttempts: 0},
	CategoryLimitHit:         {MaxAttempts: 0},
	CategoryBudget:           {MaxAttempts: 0},
	CategoryCancelled:        {MaxAttempts: 0},
	CategoryIntegrity:        {MaxAttempts: 0},
	CategoryPermissionDenied: {MaxAttempts: 0},
}

var retryableCategories = map[Category]bool{
	CategoryTransient:   true,
	CategoryRateLimited: true,
}

// ProviderErrorKind mirrors the minimal set of provider-error fields needed
// to classify, so this package stays decoupled from any specific provider
// SDK's error type.
type ProviderErrorKind string

// Kind values a collaborator's error maps to before classification.
const (
	KindAuth           ProviderErrorKind = "auth"
	KindInvalidRequest ProviderErrorKind = "invalid_request"
	KindRateLimited    ProviderErrorKind = "rate_limited"
	KindUnavailable    ProviderErrorKind = "unavailable"
	KindQuotaExceeded  ProviderErrorKind = "quota_exceeded"
	KindUnknown        ProviderErrorKind = "unknown"
)

// KindClassifiedError is implemented by provider error types that can report
// a coarse kind without the classifier needing to pattern-match on message
// text.
type KindClassifiedError interface {
	error
	ProviderErrorKind() ProviderErrorKind
}

// DefaultClassifier classifies by error kind when the error implements
// KindClassifiedError, falling back to CategoryPermanent for anything
// unrecognized (fail-closed: an unclassified error is never assumed safe to
// retry).
func DefaultClassifier(err error) Classification {
	var kc KindClassifiedError
	if errors.As(err, &kc) {
		cat := categoryForKind(kc.ProviderErrorKind())
		return Classification{Category: cat, Retryable: retryableCategories[cat], Policy: defaultPolicies[cat]}
	}
	return Classification{Category: CategoryPermanent, Retryable: false, Policy: defaultPolicies[CategoryPermanent]}
}

func categoryForKind(k ProviderErrorKind) Category {
	switch k {
	case KindRateLimited:
		return CategoryRateLimited
	case KindUnavailable:
		return CategoryTransient
	case KindQuotaExceeded:
		return CategoryQuota
	case KindAuth, KindInvalidRequest:
		return CategoryPermanent
	default:
		return CategoryPermanent
	}
}

// patternRule is one data-driven rule loaded from a classification YAML
// file: if Pattern matches the error's message, Category/Policy apply.
type patternRule struct {
	Pattern  string      `yaml:"pattern"`
	Category Category    `yaml:"category"`
	Policy   RetryPolicy `yaml:"retry_policy"`

	compiled *regexp.Regexp
}

type ruleFile struct {
	Rules []patternRule `yaml:"rules"`
}

// LoadPatternClassifier builds a Classifier from a YAML rules file of the
// shape:
//
//	rules:
//	  - pattern: "(?i)connection reset|timeout"
//	    category: transient
//	    retry_policy: {max_attempts: 3, initial_delay_seconds: 1, backoff_multiplier: 2}
//
// Rules are evaluated in file order; the first matching pattern against
// err.Error() wins. No match falls back to DefaultClassifier.
func LoadPatternClassifier(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, err
	}
	for i := range rf.Rules {
		re, err := regexp.Compile(rf.Rules[i].Pattern)
		if err != nil {
			return nil, err
		}
		rf.Rules[i].compiled = re
	}
	rules := rf.Rules
	return func(err error) Classification {
		if err == nil {
			return Classification{}
		}
		msg := err.Error()
		for _, r := range rules {
			if r.compiled.MatchString(msg) {
				policy := r.Policy
				if policy.MaxAttempts == 0 && policy.InitialDelay == 0 {
					policy = defaultPolicies[r.Category]
				}
				return Classification{Category: r.Category, Retryable: retryableCategories[r.Category], Policy: policy}
			}
		}
		return DefaultClassifier(err)
	}, nil
}
