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

import (
	"os"
	"path/filepath"
	"testing"
)

func evalFunc(t *testing.T, ev *Evaluator, f mkFunc, name string, args ...string) string {
	t.Helper()
	f.AddArg(literal("(" + name))
	for _, a := range args {
		f.AddArg(literal(a))
	}
	var buf evalBuffer
	buf.resetSep()
	err := f.Eval(&buf, ev)
	if err != nil {
		t.Fatalf("%s%v: %v", name, args, err)
	}
	return buf.String()
}

func TestFuncSubst(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcSubst{}, "subst", "ee", "EE", "feet on the street")
	want := "fEEt on the strEEt"
	if got != want {
		t.Errorf("subst => %q; want %q", got, want)
	}
}

func TestFuncPatsubst(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcPatsubst{}, "patsubst", "%.c", "%.o", "x.c.c bar.c")
	want := "x.c.o bar.o"
	if got != want {
		t.Errorf("patsubst => %q; want %q", got, want)
	}
}

func TestFuncFilter(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcFilter{}, "filter", "%.c %.s", "a.c b.o c.s")
	want := "a.c c.s"
	if got != want {
		t.Errorf("filter => %q; want %q", got, want)
	}
}

func TestFuncFilterOut(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcFilterOut{}, "filter-out", "%.c %.s", "a.c b.o c.s")
	want := "b.o"
	if got != want {
		t.Errorf("filter-out => %q; want %q", got, want)
	}
}

func TestFuncWord(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcWord{}, "word", "2", "foo bar baz")
	want := "bar"
	if got != want {
		t.Errorf("word => %q; want %q", got, want)
	}
}

func TestFuncWordlist(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcWordlist{}, "wordlist", "2", "3", "foo bar baz qux")
	want := "bar baz"
	if got != want {
		t.Errorf("wordlist => %q; want %q", got, want)
	}
}

func TestFuncFirstword(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcFirstword{}, "firstword", "foo bar baz")
	want := "foo"
	if got != want {
		t.Errorf("firstword => %q; want %q", got, want)
	}
}

func TestFuncLastword(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcLastword{}, "lastword", "foo bar baz")
	want := "baz"
	if got != want {
		t.Errorf("lastword => %q; want %q", got, want)
	}
}

func TestFuncJoin(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcJoin{}, "join", "a b c", "1 2 3")
	want := "a1 b2 c3"
	if got != want {
		t.Errorf("join => %q; want %q", got, want)
	}
}

func TestFuncDir(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcDir{}, "dir", "src/foo.c hdr.h")
	want := "src/ ./"
	if got != want {
		t.Errorf("dir => %q; want %q", got, want)
	}
}

func TestFuncNotdir(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcNotdir{}, "notdir", "src/foo.c hdr.h")
	want := "foo.c hdr.h"
	if got != want {
		t.Errorf("notdir => %q; want %q", got, want)
	}
}

func TestFuncAddprefixSuffix(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcAddprefix{}, "addprefix", "src/", "foo.c bar.c")
	want := "src/foo.c src/bar.c"
	if got != want {
		t.Errorf("addprefix => %q; want %q", got, want)
	}
	got = evalFunc(t, ev, &funcAddsuffix{}, "addsuffix", ".c", "foo bar")
	want = "foo.c bar.c"
	if got != want {
		t.Errorf("addsuffix => %q; want %q", got, want)
	}
}

func TestFuncIf(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcIf{}, "if", "yes", "then-val", "else-val")
	if got != "then-val" {
		t.Errorf("if (true) => %q; want %q", got, "then-val")
	}
	got = evalFunc(t, ev, &funcIf{}, "if", "", "then-val", "else-val")
	if got != "else-val" {
		t.Errorf("if (false) => %q; want %q", got, "else-val")
	}
}

func TestFuncAndOr(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	got := evalFunc(t, ev, &funcAnd{}, "and", "a", "b", "c")
	if got != "c" {
		t.Errorf("and => %q; want %q", got, "c")
	}
	got = evalFunc(t, ev, &funcAnd{}, "and", "a", "", "c")
	if got != "" {
		t.Errorf("and (short-circuit) => %q; want empty", got)
	}
	got = evalFunc(t, ev, &funcOr{}, "or", "", "", "c")
	if got != "c" {
		t.Errorf("or => %q; want %q", got, "c")
	}
}

func TestFuncArityError(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	f := &funcSubst{}
	f.AddArg(literal("(subst"))
	f.AddArg(literal("only-one-arg"))
	var buf evalBuffer
	err := f.Eval(&buf, ev)
	if err == nil {
		t.Fatal("subst with one arg: want arity error, got nil")
	}
	if _, ok := err.(arityError); !ok {
		t.Errorf("subst with one arg: got %T, want arityError", err)
	}
}

func TestFuncForeach(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	f := &funcForeach{}
	f.AddArg(literal("(foreach"))
	f.AddArg(literal("x"))
	f.AddArg(literal("a b c"))
	body, _, err := parseExpr([]byte("[$(x)]"), nil, parseOp{})
	if err != nil {
		t.Fatal(err)
	}
	f.AddArg(body)
	var buf evalBuffer
	err = f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	want := "[a] [b] [c]"
	if buf.String() != want {
		t.Errorf("foreach => %q; want %q", buf.String(), want)
	}
}

func TestFuncKatiForeachSep(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	f := &funcKatiForeachSep{}
	f.AddArg(literal("(KATI_foreach_sep"))
	f.AddArg(literal("x"))
	f.AddArg(literal(","))
	f.AddArg(literal("a b c"))
	body, _, err := parseExpr([]byte("[$(x)]"), nil, parseOp{})
	if err != nil {
		t.Fatal(err)
	}
	f.AddArg(body)
	var buf evalBuffer
	err = f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	want := "[a],[b],[c]"
	if buf.String() != want {
		t.Errorf("KATI_foreach_sep => %q; want %q", buf.String(), want)
	}
}

func TestFuncKatiVariableLocation(t *testing.T) {
	vars := make(map[string]Var)
	vars["FOO"] = &simpleVar{value: []string{"bar"}, origin: "file", loc: "Makefile:3"}
	ev := NewEvaluator(vars)
	f := &funcKatiVariableLocation{}
	f.AddArg(literal("(KATI_variable_location"))
	f.AddArg(literal("FOO"))
	var buf evalBuffer
	err := f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	want := "Makefile:3"
	if buf.String() != want {
		t.Errorf("KATI_variable_location => %q; want %q", buf.String(), want)
	}
}

func TestFuncKatiVariableLocationUndefined(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	f := &funcKatiVariableLocation{}
	f.AddArg(literal("(KATI_variable_location"))
	f.AddArg(literal("NOPE"))
	var buf evalBuffer
	err := f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "" {
		t.Errorf("KATI_variable_location(undefined) => %q; want empty", buf.String())
	}
}

func TestFuncKatiStub(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	f := &funcKatiStub{name: "KATI_deprecated_var"}
	f.AddArg(literal("(KATI_deprecated_var"))
	f.AddArg(literal("FOO"))
	f.AddArg(literal("use BAR instead"))
	var buf evalBuffer
	err := f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "" {
		t.Errorf("KATI_deprecated_var => %q; want empty output", buf.String())
	}
}

func TestFuncKatiFileNoRerun(t *testing.T) {
	ev := NewEvaluator(make(map[string]Var))
	f := &funcKatiFileNoRerun{}
	f.AddArg(literal("(KATI_file_no_rerun"))
	f.AddArg(literal("build/some.mk"))
	var buf evalBuffer
	err := f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "" {
		t.Errorf("KATI_file_no_rerun => %q; want empty output", buf.String())
	}
}

func TestFuncFileWriteAppendRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	ev := NewEvaluator(make(map[string]Var))
	fw := &funcFile{}
	fw.AddArg(literal("(file"))
	fw.AddArg(literal(">" + path))
	fw.AddArg(literal("first"))
	var buf evalBuffer
	if err := fw.Eval(&buf, ev); err != nil {
		t.Fatalf("write: %v", err)
	}

	fa := &funcFile{}
	fa.AddArg(literal("(file"))
	fa.AddArg(literal(">>" + path))
	fa.AddArg(literal("second"))
	buf.Reset()
	if err := fa.Eval(&buf, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "first\nsecond\n"
	if string(got) != want {
		t.Errorf("file contents => %q; want %q", got, want)
	}

	fr := &funcFile{}
	fr.AddArg(literal("(file"))
	fr.AddArg(literal("<" + path))
	buf.Reset()
	if err := fr.Eval(&buf, ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	readWant := "first\nsecond"
	if buf.String() != readWant {
		t.Errorf("file read => %q; want %q", buf.String(), readWant)
	}
}

func TestFuncCall(t *testing.T) {
	greetExpr, _, err := parseExpr([]byte("hello, $(1)"), nil, parseOp{})
	if err != nil {
		t.Fatal(err)
	}
	vars := make(map[string]Var)
	vars["greet"] = &recursiveVar{expr: greetExpr, origin: "file"}
	ev := NewEvaluator(vars)
	f := &funcCall{}
	f.AddArg(literal("(call"))
	f.AddArg(literal("greet"))
	f.AddArg(literal("world"))
	var buf evalBuffer
	err = f.Eval(&buf, ev)
	if err != nil {
		t.Fatal(err)
	}
	want := "hello, world"
	if buf.String() != want {
		t.Errorf("call => %q; want %q", buf.String(), want)
	}
}
