// Copyright 2015 Google Inc. All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kati

import "strings"

// ast is a statement: one of assignAST, maybeRuleAST, commandAST,
// includeAST, ifAST, exportAST or vpathAST. Every variant embeds
// srcpos so diagnostics can always report a location.
type ast interface {
	eval(*Evaluator) error
	show()
}

// assignAST is `lhs <op> rhs`, op being one of "=", ":=", "+=", "?=" or "$=".
// opt is "override" or "export" when the assignment was reached via
// the corresponding directive, "" otherwise.
type assignAST struct {
	srcpos
	lhs Value
	rhs Value
	op  string
	opt string
}

func (as *assignAST) eval(ev *Evaluator) error {
	return ev.evalAssign(as)
}

// evalRHS builds the Var that lhs should be bound to, according to op.
func (as *assignAST) evalRHS(ev *Evaluator, lhs string) (Var, error) {
	origin := "file"
	if as.filename == bootstrapMakefileName {
		origin = "default"
	}
	if as.opt == "override" {
		origin = "override"
	}
	loc := as.srcpos.String()
	switch as.op {
	case ":=":
		var buf evalBuffer
		buf.resetSep()
		err := as.rhs.Eval(&buf, ev)
		if err != nil {
			return nil, err
		}
		v := buf.String()
		buf.release()
		return &simpleVar{value: []string{v}, origin: origin, loc: loc}, nil
	case "=":
		return &recursiveVar{expr: as.rhs, origin: origin, loc: loc}, nil
	case "$=":
		return finalVar{Var: &recursiveVar{expr: as.rhs, origin: origin, loc: loc}}, nil
	case "+=":
		prev := ev.lookupVarInCurrentScope(lhs)
		if !prev.IsDefined() {
			return &recursiveVar{expr: as.rhs, origin: origin, loc: loc}, nil
		}
		if fm, ok := prev.(finalMarker); ok && fm.isFinal() {
			// Appending is a non-final assignment; it must not even
			// mutate the existing var in place, since Vars.Assign will
			// discard the result anyway.
			return prev, nil
		}
		return prev.AppendVar(ev, as.rhs)
	case "?=":
		prev := ev.lookupVarInCurrentScope(lhs)
		if prev.IsDefined() {
			return prev, nil
		}
		return &recursiveVar{expr: as.rhs, origin: origin, loc: loc}, nil
	default:
		return nil, as.errorf("unknown assign op: %q", as.op)
	}
}

func (as *assignAST) show() {
	logf("%s %s %s %q", as.opt, as.lhs, as.op, as.rhs)
}

// maybeRuleAST is a line that looks like a rule header but cannot be
// fully classified until its Value is expanded: it might turn out to
// be a plain assignment (e.g. "foo = bar" with no ':'), a target-scoped
// variable, or a genuine rule.
type maybeRuleAST struct {
	srcpos
	isRule bool
	expr   Value
	assign *assignAST
	semi   []byte // ';' and the rest, if the line had an inline recipe.
}

func (as *maybeRuleAST) eval(ev *Evaluator) error {
	return ev.evalMaybeRule(as)
}

func (as *maybeRuleAST) show() {
	logf("%s", as.expr)
}

// commandAST is a recipe line (tab-indented, following a rule header).
type commandAST struct {
	srcpos
	cmd string
}

func (as *commandAST) eval(ev *Evaluator) error {
	return ev.evalCommand(as)
}

func (as *commandAST) show() {
	logf("\t%s", strings.Replace(as.cmd, "\n", `\n`, -1))
}

// includeAST is include/-include/sinclude.
type includeAST struct {
	srcpos
	expr string
	op   string // "include", "-include" or "sinclude"
}

func (as *includeAST) eval(ev *Evaluator) error {
	return ev.evalInclude(as)
}

func (as *includeAST) show() {
	logf("include %s", as.expr)
}

// ifAST is ifeq/ifneq/ifdef/ifndef, with its else-chain already
// resolved into trueStmts/falseStmts by the parser.
type ifAST struct {
	srcpos
	op         string
	lhs        Value
	rhs        Value // nil when op is ifdef/ifndef
	trueStmts  []ast
	falseStmts []ast
}

func (as *ifAST) eval(ev *Evaluator) error {
	return ev.evalIf(as)
}

func (as *ifAST) show() {
	logf("if %s", as.op)
}

// exportAST is export/unexport, with or without an inline assignment.
type exportAST struct {
	srcpos
	expr     []byte
	hasEqual bool
	export   bool
}

func (as *exportAST) eval(ev *Evaluator) error {
	return ev.evalExport(as)
}

func (as *exportAST) show() {
	logf("export %s", as.expr)
}

// vpathAST is the VPATH-search directive.
type vpathAST struct {
	srcpos
	expr Value
}

func (as *vpathAST) eval(ev *Evaluator) error {
	return ev.evalVpath(as)
}

func (as *vpathAST) show() {
	logf("vpath %s", as.expr)
}
