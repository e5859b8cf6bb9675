package core

import (
	"fmt"
	"strings"

	"permitcore/pkg/domain"
)

// existingExceptions maps source block hashes to the exception blocks a
// rule already carries.
func existingExceptions(rule domain.Rule) map[string]domain.RuleBlock {
	out := make(map[string]domain.RuleBlock)
	for _, b := range rule.BlocksOfType(domain.BlockEventException) {
		exc, err := domain.ParseException(b.Content)
		if err != nil {
			continue
		}
		out[exc.SourceHash] = b
	}
	return out
}

// exceptionPart strips the exception separator from event-supplied text
// such as equipment names.
func exceptionPart(s string) string {
	return strings.ReplaceAll(s, domain.ExceptionSeparator, "-")
}

// ForkWithExceptions creates one exception block per violation and forks
// source with those blocks appended. source itself is never modified, so
// requests that already reference it keep their hash.
func ForkWithExceptions(tx domain.Transaction, source domain.Rule, authorID string, violations []constraintViolation) (domain.Rule, []domain.RuleBlock, error) {
	blocks := make([]domain.RuleBlock, 0, len(violations))
	for _, v := range violations {
		exc, err := domain.NewException(v.Source.Hash, exceptionPart(v.Desired), exceptionPart(v.Reason))
		if err != nil {
			return domain.Rule{}, nil, err
		}
		created, err := tx.CreateRuleBlock(domain.RuleBlock{
			Type:     domain.BlockEventException,
			Content:  exc.Content(),
			AuthorID: authorID,
		})
		if err != nil {
			return domain.Rule{}, nil, fmt.Errorf("create exception for %s: %w", v.Source.Type, err)
		}
		blocks = append(blocks, created)
	}
	fork, err := tx.ForkRule(source.ID, authorID, source.Name, blocks...)
	if err != nil {
		return domain.Rule{}, nil, fmt.Errorf("fork rule %s: %w", source.ID, err)
	}
	return fork, blocks, nil
}
