// Package evaluator is the default expression language of the ledger.
//
// An expression is a conjunction of comparisons joined by "&&". Each comparison is either the literal "true" or
// "false", or "<account> <op> <operand>" where op is one of >=, >, <=, <, ==, != and the operand is a decimal
// literal or another account. Accounts resolve to their balance.
//
//	A >= 10 && B < A
package evaluator

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/shopspring/decimal"
)

var comparisonRe = regexp.MustCompile(`^([^\s<>=!&]+)\s*(>=|<=|==|!=|>|<)\s*([^\s<>=!&]+)$`)

// Footprint derives read and write sets from the declared sets of a transaction. Reads are the read set plus
// every account named by a guard or verify expression; writes are the write set.
type Footprint struct{}

func New() *Footprint {
	return &Footprint{}
}

func (f *Footprint) ExtractReadWriteSets(tx *txn.Transaction) ([]string, []string, error) {
	reads := make(map[string]struct{})
	for _, acct := range tx.ReadAccounts() {
		reads[acct] = struct{}{}
	}
	for _, expr := range append(tx.Guards(), tx.Verifies()...) {
		clauses, err := parse(expr)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "transaction %s", tx.ID())
		}
		for _, c := range clauses {
			for _, acct := range c.accounts() {
				reads[acct] = struct{}{}
			}
		}
	}
	readList := make([]string, 0, len(reads))
	for acct := range reads {
		readList = append(readList, acct)
	}
	sort.Strings(readList)
	return readList, tx.WrittenAccounts(), nil
}

func (f *Footprint) Evaluate(expr string, bindings map[string]decimal.Decimal) (bool, error) {
	clauses, err := parse(expr)
	if err != nil {
		return false, err
	}
	for _, c := range clauses {
		ok, err := c.eval(bindings)
		if err != nil {
			return false, errors.Annotatef(err, "evaluate %q", expr)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type operand struct {
	account string
	value   decimal.Decimal
}

func (o operand) resolve(bindings map[string]decimal.Decimal) (decimal.Decimal, error) {
	if o.account == "" {
		return o.value, nil
	}
	v, ok := bindings[o.account]
	if !ok {
		return decimal.Decimal{}, errors.Errorf("account %s is not bound", o.account)
	}
	return v, nil
}

type clause struct {
	literal *bool
	left    operand
	op      string
	right   operand
}

func (c clause) accounts() []string {
	var accts []string
	if c.literal != nil {
		return nil
	}
	for _, o := range []operand{c.left, c.right} {
		if o.account != "" {
			accts = append(accts, o.account)
		}
	}
	return accts
}

func (c clause) eval(bindings map[string]decimal.Decimal) (bool, error) {
	if c.literal != nil {
		return *c.literal, nil
	}
	l, err := c.left.resolve(bindings)
	if err != nil {
		return false, err
	}
	r, err := c.right.resolve(bindings)
	if err != nil {
		return false, err
	}
	cmp := l.Cmp(r)
	switch c.op {
	case ">=":
		return cmp >= 0, nil
	case ">":
		return cmp > 0, nil
	case "<=":
		return cmp <= 0, nil
	case "<":
		return cmp < 0, nil
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	}
	return false, errors.Errorf("unknown operator %s", c.op)
}

func parse(expr string) ([]clause, error) {
	var clauses []clause
	for _, part := range strings.Split(expr, "&&") {
		part = strings.TrimSpace(part)
		switch part {
		case "true", "false":
			lit := part == "true"
			clauses = append(clauses, clause{literal: &lit})
			continue
		case "":
			return nil, errors.Errorf("empty clause in %q", expr)
		}
		m := comparisonRe.FindStringSubmatch(part)
		if m == nil {
			return nil, errors.Errorf("cannot parse %q", part)
		}
		clauses = append(clauses, clause{left: parseOperand(m[1]), op: m[2], right: parseOperand(m[3])})
	}
	return clauses, nil
}

func parseOperand(s string) operand {
	if d, err := decimal.NewFromString(s); err == nil {
		return operand{value: d}
	}
	return operand{account: s}
}
