// Package labels attaches key-value labels to messages and selects on them.
package labels

import (
	"fmt"
	"sort"
	"strings"
)

type Labels interface {
	fmt.Stringer
	Get(key string) (string, bool)
}

type Selector interface {
	Matches(labels Labels) bool
}

// Set is a plain map of labels.
type Set map[string]string

func (s Set) Get(key string) (string, bool) {
	val, ok := s[key]
	return val, ok
}

func (s Set) String() string {
	pairs := make([]string, 0, len(s))
	for k, v := range s {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Equals selects labels containing all key-value pairs of the set. An empty selector matches everything.
type Equals Set

func (e Equals) Matches(labels Labels) bool {
	if labels == nil {
		return len(e) == 0
	}
	for k, v := range e {
		if val, ok := labels.Get(k); !ok || val != v {
			return false
		}
	}
	return true
}
