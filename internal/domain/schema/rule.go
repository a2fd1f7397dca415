package schema

// RuleKind distinguishes include and exclude rule lists.
type RuleKind string

const (
	// RuleInclude marks rules that opt instruments into subscription.
	RuleInclude RuleKind = "include"
	// RuleExclude marks rules that veto instruments regardless of inclusion.
	RuleExclude RuleKind = "exclude"
)

// RuleSpec is the persisted form of a filter rule.
type RuleSpec struct {
	Pattern    string `json:"pattern"`
	TimeOffset int    `json:"time_offset"`
}
