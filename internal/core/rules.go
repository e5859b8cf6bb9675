package core

import "permitcore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in commit rules.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(RequestTransitionRule())
	engine.Register(ResponseFreezeRule())
	engine.Register(ResponseTimeoutUniformRule())
	engine.Register(RuleIntegrityRule())
	engine.Register(RequestDeleteGuardRule())
	return engine
}
