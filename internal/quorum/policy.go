// Package quorum fans reads and writes out to a key's close group and decides
// when enough peers agree.
package quorum

import (
	"fmt"
	"strconv"
	"strings"
)

type policyKind uint8

const (
	kindMajority policyKind = iota
	kindAll
	kindN
	kindOne
)

// Policy decides how many matching responses settle an operation.
type Policy struct {
	kind policyKind
	n    int
}

var (
	// Majority needs more than half of the queried peers. It is the default.
	Majority = Policy{kind: kindMajority}
	// All needs every queried peer to agree.
	All = Policy{kind: kindAll}
	// One settles on the first valid response.
	One = Policy{kind: kindOne}
)

// N needs n matching responses, capped at the number of peers queried.
func N(n int) Policy {
	return Policy{kind: kindN, n: n}
}

// Required returns the number of matching responses needed when queried peers
// were asked. It is at least 1.
func (p Policy) Required(queried int) int {
	if queried <= 0 {
		return 1
	}
	switch p.kind {
	case kindAll:
		return queried
	case kindOne:
		return 1
	case kindN:
		return max(1, min(p.n, queried))
	default:
		return queried/2 + 1
	}
}

func (p Policy) String() string {
	switch p.kind {
	case kindAll:
		return "all"
	case kindOne:
		return "one"
	case kindN:
		return strconv.Itoa(p.n)
	default:
		return "majority"
	}
}

// ParsePolicy accepts "all", "majority", "one" or a positive count.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "majority", "quorum":
		return Majority, nil
	case "all":
		return All, nil
	case "one":
		return One, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return Policy{}, fmt.Errorf("invalid quorum policy %q: must be one of all, majority, one or a positive count", s)
	}
	return N(n), nil
}

// MarshalText lets policies appear in YAML and JSON as strings.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a policy name.
func (p *Policy) UnmarshalText(b []byte) error {
	parsed, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
