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
	"strings"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffStrings reports a test failure with a readable diff when got != want,
// using go-diff the same way a human would eyeball `diff -u` output.
func diffStrings(t *testing.T, got, want string) {
	t.Helper()
	if got == want {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(want, got, false)
	t.Errorf("mismatch:\n%s", dmp.DiffPrettyText(diffs))
}

func writeMakefile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "Makefile")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// buildAndRead loads mkContent as a Makefile in a fresh temp directory,
// builds targets, and returns the contents of outRelPath afterward.
func buildAndRead(t *testing.T, mkContent string, targets []string, outRelPath string) string {
	t.Helper()
	dir := t.TempDir()
	mkPath := writeMakefile(t, dir, mkContent)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	req := LoadReq{
		Makefile: mkPath,
		Targets:  targets,
	}
	g, err := Load(req)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	vars := g.Vars()
	ex, err := NewExecutor(vars, &ExecutorOpt{NumJobs: 1})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := ex.Exec(g.Nodes()); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	out, err := os.ReadFile(outRelPath)
	if err != nil {
		t.Fatalf("reading %s: %v", outRelPath, err)
	}
	return string(out)
}

func TestE2ESimpleRule(t *testing.T) {
	mk := `
out.txt:
	echo hello > out.txt
`
	got := buildAndRead(t, mk, []string{"out.txt"}, "out.txt")
	diffStrings(t, got, "hello\n")
}

func TestE2EVariableExpansionAndDeps(t *testing.T) {
	mk := `
GREETING := hello
NAME = world

out.txt: dep.txt
	echo $(GREETING), $(NAME) >> out.txt

dep.txt:
	echo preparing > dep.txt
`
	dir := t.TempDir()
	mkPath := writeMakefile(t, dir, mk)
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	req := LoadReq{Makefile: mkPath, Targets: []string{"out.txt"}}
	g, err := Load(req)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ex, err := NewExecutor(g.Vars(), &ExecutorOpt{NumJobs: 1})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := ex.Exec(g.Nodes()); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if _, err := os.Stat("dep.txt"); err != nil {
		t.Errorf("dep.txt was not built: %v", err)
	}
	out, err := os.ReadFile("out.txt")
	if err != nil {
		t.Fatal(err)
	}
	diffStrings(t, string(out), "hello, world\n")
}

func TestE2EFunctionsInRecipe(t *testing.T) {
	mk := `
SRCS := a.c b.c c.c
OBJS := $(patsubst %.c,%.o,$(SRCS))

out.txt:
	echo $(OBJS) > out.txt
	echo $(words $(SRCS)) >> out.txt
	echo $(firstword $(SRCS)) >> out.txt
`
	got := buildAndRead(t, mk, []string{"out.txt"}, "out.txt")
	want := "a.o b.o c.o\n3\na.c\n"
	diffStrings(t, got, want)
}

func TestE2EIfeqConditional(t *testing.T) {
	mk := `
MODE := release

ifeq ($(MODE),release)
FLAGS := -O2
else
FLAGS := -O0
endif

out.txt:
	echo $(FLAGS) > out.txt
`
	got := buildAndRead(t, mk, []string{"out.txt"}, "out.txt")
	diffStrings(t, got, "-O2\n")
}

func TestE2EPatternRule(t *testing.T) {
	mk := `
%.out: %.in
	cp $< $@

all: a.out
`
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.in"), []byte("payload\n"), 0644); err != nil {
		t.Fatal(err)
	}
	mkPath := writeMakefile(t, dir, mk)
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	req := LoadReq{Makefile: mkPath, Targets: []string{"all"}}
	g, err := Load(req)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ex, err := NewExecutor(g.Vars(), &ExecutorOpt{NumJobs: 1})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := ex.Exec(g.Nodes()); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	out, err := os.ReadFile("a.out")
	if err != nil {
		t.Fatal(err)
	}
	diffStrings(t, string(out), "payload\n")
}

func TestE2EFinalAssignment(t *testing.T) {
	mk := `
FOO $= first
FOO = second
FOO += third

out.txt:
	echo $(FOO) > out.txt
`
	got := buildAndRead(t, mk, []string{"out.txt"}, "out.txt")
	diffStrings(t, got, "first\n")
}

func TestE2ENewerThanAutoVar(t *testing.T) {
	mk := `
out.txt: a.txt b.txt
	echo $? > out.txt
`
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	mkPath := writeMakefile(t, dir, mk)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	req := LoadReq{Makefile: mkPath, Targets: []string{"out.txt"}}
	g, err := Load(req)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ex, err := NewExecutor(g.Vars(), &ExecutorOpt{NumJobs: 1})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := ex.Exec(g.Nodes()); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	out, err := os.ReadFile("out.txt")
	if err != nil {
		t.Fatal(err)
	}
	diffStrings(t, string(out), "b.txt\n")
}

func TestE2EKatiVariableLocation(t *testing.T) {
	mk := `
FOO := bar

out.txt:
	echo $(KATI_variable_location FOO) > out.txt
`
	got := buildAndRead(t, mk, []string{"out.txt"}, "out.txt")
	want := "Makefile:2\n"
	if !strings.HasSuffix(got, want) {
		t.Errorf("KATI_variable_location FOO => %q; want suffix %q", got, want)
	}
}
