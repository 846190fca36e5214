package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"currency-rate-alerts/internal/storage"
)

// RecordStore is the series query surface the evaluator needs.
type RecordStore interface {
	QueryWindow(ctx context.Context, code string, from, to time.Time) ([]storage.CurrencyRecord, error)
}

// RuleStore lists rules and persists the fire-once flag.
type RuleStore interface {
	ListRules(ctx context.Context) ([]storage.AlertRule, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
}

// Options tune evaluation behaviour.
type Options struct {
	WindowHours       int
	ExceedPctLimit    float64
	DeviationPctLimit float64
	NotifyOnce        bool
}

// Triggered is the ephemeral result of one rule firing. Never persisted;
// produced fresh each evaluation.
type Triggered struct {
	Rule          storage.AlertRule `json:"rule"`
	CurrentValue  decimal.Decimal   `json:"current_value"`
	WindowAverage decimal.Decimal   `json:"window_average"`
	Messages      []string          `json:"messages"`
}

// Evaluator computes trigger status for user-defined alert rules against the
// stored series.
type Evaluator struct {
	records RecordStore
	rules   RuleStore
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	exceedLimit    decimal.Decimal
	deviationLimit decimal.Decimal
}

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
)

// New constructs an Evaluator.
func New(records RecordStore, rules RuleStore, opts Options, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		records:        records,
		rules:          rules,
		opts:           opts,
		logger:         logger.With().Str("component", "alert_evaluator").Logger(),
		now:            time.Now,
		exceedLimit:    decOne.Add(decimal.NewFromFloat(opts.ExceedPctLimit)),
		deviationLimit: decOne.Add(decimal.NewFromFloat(opts.DeviationPctLimit)),
	}
}

// Evaluate loads all rules and evaluates them against the recency window.
func (e *Evaluator) Evaluate(ctx context.Context) ([]Triggered, error) {
	rules, err := e.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return e.EvaluateRules(ctx, rules)
}

// EvaluateRules evaluates the given rules in order. A rule whose sent flag is
// set is skipped entirely; a rule with no data in the window is a normal
// not-triggered outcome.
func (e *Evaluator) EvaluateRules(ctx context.Context, rules []storage.AlertRule) ([]Triggered, error) {
	now := e.now().UTC()
	from := now.Add(-time.Duration(e.opts.WindowHours) * time.Hour)

	triggered := make([]Triggered, 0)
	for _, rule := range rules {
		if rule.SentToUser {
			continue
		}

		records, err := e.records.QueryWindow(ctx, rule.Currency, from, now)
		if err != nil {
			return nil, fmt.Errorf("query window for %s: %w", rule.Currency, err)
		}
		if len(records) == 0 {
			continue
		}

		current := records[0].Value
		average := windowAverage(records)
		observedHours := now.Sub(records[len(records)-1].Timestamp).Hours()

		messages := e.evaluateConditions(rule, current, average, observedHours)
		if len(messages) == 0 {
			continue
		}

		triggered = append(triggered, Triggered{
			Rule:          rule,
			CurrentValue:  current,
			WindowAverage: average,
			Messages:      messages,
		})

		if e.opts.NotifyOnce {
			// Persisting the flag must not block returning the trigger.
			go e.markSent(rule)
		}
	}

	return triggered, nil
}

// evaluateConditions checks every condition independently; a rule can fire
// for multiple reasons in one pass, each with its own message.
func (e *Evaluator) evaluateConditions(rule storage.AlertRule, current, average decimal.Decimal, observedHours float64) []string {
	var messages []string

	if current.GreaterThan(rule.Threshold) {
		messages = append(messages, fmt.Sprintf(
			"%s value %s exceeds the alert threshold %s",
			rule.Currency, current.StringFixed(2), rule.Threshold.StringFixed(2),
		))
	}

	if rule.Threshold.IsPositive() && current.GreaterThan(rule.Threshold.Mul(e.exceedLimit)) {
		pct := current.Div(rule.Threshold).Sub(decOne).Mul(decHundred)
		messages = append(messages, fmt.Sprintf(
			"%s value %s exceeds the alert threshold %s by %s%%",
			rule.Currency, current.StringFixed(2), rule.Threshold.StringFixed(2), pct.StringFixed(2),
		))
	}

	if average.IsPositive() && current.GreaterThan(average.Mul(e.deviationLimit)) {
		pct := current.Div(average).Sub(decOne).Mul(decHundred)
		messages = append(messages, fmt.Sprintf(
			"%s value %s is %s%% above its %.2f hour average %s",
			rule.Currency, current.StringFixed(2), pct.StringFixed(2), observedHours, average.StringFixed(2),
		))
	}

	return messages
}

func (e *Evaluator) markSent(rule storage.AlertRule) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.rules.MarkSent(ctx, rule.ID); err != nil {
		e.logger.Error().Err(err).
			Str("currency", rule.Currency).
			Str("type", string(rule.Type)).
			Msg("failed to persist sent flag")
	}
}

func windowAverage(records []storage.CurrencyRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, rec := range records {
		sum = sum.Add(rec.Value)
	}
	return sum.Div(decimal.NewFromInt(int64(len(records))))
}
