package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"permitcore/pkg/domain"
)

var hundred = decimal.NewFromInt(100)

// Tally counts a request's responses by vote.
type Tally struct {
	Total                 int
	Pending               int
	Approved              int
	ApprovedWithCondition int
	Rejected              int
	Abstained             int
	TimedOut              int
}

// TallyResponses counts responses by status.
func TallyResponses(responses []domain.PermissionResponse) Tally {
	t := Tally{Total: len(responses)}
	for _, r := range responses {
		switch r.Status {
		case domain.ResponseStatusPending:
			t.Pending++
		case domain.ResponseStatusApproved:
			t.Approved++
		case domain.ResponseStatusApprovedWithCondition:
			t.ApprovedWithCondition++
		case domain.ResponseStatusRejected:
			t.Rejected++
		case domain.ResponseStatusAbstention:
			t.Abstained++
		case domain.ResponseStatusTimeout:
			t.TimedOut++
		}
	}
	return t
}

// Reviewed counts votes that take part in the tally. Abstentions count;
// timeouts and pending responses do not.
func (t Tally) Reviewed() int {
	return t.Approved + t.ApprovedWithCondition + t.Rejected + t.Abstained
}

// Matched counts the votes the flag selects.
func (t Tally) Matched(flag domain.ConsentFlag) int {
	if flag == domain.ConsentFlagNo {
		return t.Rejected
	}
	return t.Approved + t.ApprovedWithCondition
}

// ConsentResult is the outcome of applying a consent method to a tally.
type ConsentResult struct {
	Consent bool
	// Percent is the matched share, rounded to two places for display.
	Percent decimal.Decimal
	// NoParticipation is set when nothing was reviewed; Consent is false.
	NoParticipation bool
	// WithCondition is set when consent holds and a reviewer attached
	// conditions.
	WithCondition bool
}

// CalculateConsent applies method to tally. The comparison cross-multiplies
// (matched*100 against percent*reviewed) so thresholds are exact even when
// the share has no finite decimal form.
func CalculateConsent(method domain.ConsentMethod, tally Tally) ConsentResult {
	reviewed := tally.Reviewed()
	if reviewed == 0 {
		return ConsentResult{NoParticipation: true}
	}
	matched := decimal.NewFromInt(int64(tally.Matched(method.Flag))).Mul(hundred)
	threshold := method.Percent.Mul(decimal.NewFromInt(int64(reviewed)))

	var consent bool
	switch method.Operator {
	case domain.ConsentOver:
		consent = matched.GreaterThanOrEqual(threshold)
	case domain.ConsentUnder:
		consent = matched.LessThanOrEqual(threshold)
	case domain.ConsentIs:
		consent = matched.Equal(threshold)
	}
	return ConsentResult{
		Consent:       consent,
		Percent:       matched.DivRound(decimal.NewFromInt(int64(reviewed)), 2),
		WithCondition: consent && tally.ApprovedWithCondition > 0,
	}
}

// consentSettings reads the consent method and timeout from the governing
// space rule, falling back to defaults for missing blocks.
func consentSettings(view domain.TransactionView, ruleID string, defaults Defaults) (domain.ConsentMethod, time.Duration, error) {
	method, timeout := defaults.ConsentMethod, defaults.ConsentTimeout
	if ruleID == "" {
		return method, timeout, nil
	}
	rule, ok := view.FindRule(ruleID)
	if !ok {
		return method, timeout, ErrNotFound{Entity: domain.EntityRule, ID: ruleID}
	}
	if b, ok := rule.FirstBlock(domain.BlockSpaceConsentMethod); ok {
		m, err := domain.ParseConsentMethod(b.Content)
		if err != nil {
			return method, timeout, fmt.Errorf("rule %s consent method: %w", ruleID, err)
		}
		method = m
	}
	if b, ok := rule.FirstBlock(domain.BlockSpaceConsentTimeout); ok {
		d, err := domain.ParseDuration(b.Content)
		if err != nil {
			return method, timeout, fmt.Errorf("rule %s consent timeout: %w", ruleID, err)
		}
		timeout = d.Value
	}
	return method, timeout, nil
}

// governingRuleID names the space rule whose consent blocks decide req. A
// rule change is judged by the space's current rule, not the proposal.
func governingRuleID(view domain.TransactionView, req domain.PermissionRequest) string {
	if req.ProcessType == domain.ProcessSpaceRuleChange {
		if space, ok := view.FindSpace(req.SpaceID); ok {
			return space.RuleID
		}
	}
	return req.SpaceRuleID
}
