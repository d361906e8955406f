package flagengine

// Operator identifies the comparison a rule applies to a context value.
//
// The set of operators is closed and versioned by the Tggl API. Tags this
// SDK does not recognize still decode successfully; rules carrying them
// never match, so a newer server cannot crash an older client.
type Operator string

const (
	OpEmpty         Operator = "EMPTY"
	OpTrue          Operator = "TRUE"
	OpStrEqual      Operator = "STR_EQUAL"
	OpStrEqualSoft  Operator = "STR_EQUAL_SOFT"
	OpStrStartsWith Operator = "STR_STARTS_WITH"
	OpStrEndsWith   Operator = "STR_ENDS_WITH"
	OpStrContains   Operator = "STR_CONTAINS"
	OpPercentage    Operator = "PERCENTAGE"
	OpArrOverlap    Operator = "ARR_OVERLAP"
	OpRegexp        Operator = "REGEXP"
	OpStrBefore     Operator = "STR_BEFORE"
	OpStrAfter      Operator = "STR_AFTER"
	OpEq            Operator = "EQ"
	OpLt            Operator = "LT"
	OpGt            Operator = "GT"
	OpDateAfter     Operator = "DATE_AFTER"
	OpDateBefore    Operator = "DATE_BEFORE"
	OpSemverEq      Operator = "SEMVER_EQ"
	OpSemverGte     Operator = "SEMVER_GTE"
	OpSemverLte     Operator = "SEMVER_LTE"
)
