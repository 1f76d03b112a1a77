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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/ishitatsuyuki/kati"
)

var (
	makefileFlag    string
	chdirFlag       string
	jobsFlag        int
	silentFlag      bool
	ninjaFlag       bool
	regenFlag       bool
	genAllTargets   bool
	syntaxCheckOnly bool
	parseOnlyFlag   bool
	noBuiltinRules  bool
	enableDebug     bool
	realpathFlag    bool

	cpuprofile string
)

func writeCPUProfile(f *os.File) func() {
	pprof.StartCPUProfile(f)
	return pprof.StopCPUProfile
}

func runRealpath(args []string) error {
	for _, arg := range args {
		p, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		p, err = filepath.EvalSymlinks(p)
		if err != nil {
			return err
		}
		fmt.Println(p)
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if realpathFlag {
		return runRealpath(args)
	}
	if chdirFlag != "" {
		if err := os.Chdir(chdirFlag); err != nil {
			return err
		}
	}
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return err
		}
		stop := writeCPUProfile(f)
		defer stop()
		defer f.Close()
	}
	defer kati.DumpStats()

	kati.SilentFlag = silentFlag
	if enableDebug {
		kati.LogFlag = true
	}

	if ninjaFlag || regenFlag || genAllTargets {
		return fmt.Errorf("kati: --ninja/--regen/--gen_all_targets are not supported by this build; this implementation only builds targets directly")
	}

	req := kati.FromCommandLine(args)
	if makefileFlag != "" {
		req.Makefile = makefileFlag
	}
	req.EnvironmentVars = os.Environ()

	g, err := kati.Load(req)
	if err != nil {
		return err
	}

	if syntaxCheckOnly || parseOnlyFlag {
		return nil
	}

	if queryFlag != "" {
		kati.HandleQuery(queryFlag, g)
		return nil
	}

	nodes := g.Nodes()
	vars := g.Vars()

	ev := kati.NewEvaluator(vars)
	for name, export := range g.Exports() {
		if export {
			v, err := ev.EvaluateVar(name)
			if err != nil {
				return err
			}
			os.Setenv(name, v)
		} else {
			os.Unsetenv(name)
		}
	}

	execOpt := &kati.ExecutorOpt{NumJobs: jobsFlag}
	ex, err := kati.NewExecutor(vars, execOpt)
	if err != nil {
		return err
	}
	return ex.Exec(nodes)
}

var queryFlag string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kati [targets...]",
		Short:         "A GNU make clone for reading Android build files",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVarP(&makefileFlag, "file", "f", "", "read FILE as the makefile")
	cmd.Flags().StringVarP(&chdirFlag, "directory", "C", "", "change to DIR before reading the makefile")
	cmd.Flags().IntVarP(&jobsFlag, "jobs", "j", 1, "allow N jobs at once")
	cmd.Flags().BoolVarP(&kati.DryRunFlag, "dry-run", "n", false, "print the commands that would be executed, without executing them")
	cmd.Flags().BoolVarP(&silentFlag, "silent", "s", false, "don't echo commands")
	cmd.Flags().BoolVar(&ninjaFlag, "ninja", false, "not supported: kati exits with an error when this is set")
	cmd.Flags().BoolVar(&regenFlag, "regen", false, "not supported: kati exits with an error when this is set")
	cmd.Flags().BoolVar(&genAllTargets, "gen_all_targets", false, "not supported: kati exits with an error when this is set")
	cmd.Flags().BoolVar(&syntaxCheckOnly, "syntax_check_only", false, "check makefile syntax and exit")
	cmd.Flags().BoolVar(&parseOnlyFlag, "parse_only", false, "parse makefiles and exit without building")
	cmd.Flags().BoolVar(&noBuiltinRules, "no_builtin_rules", false, "accepted but has no effect: the built-in .c.o and .cc.o suffix rules stay defined")
	cmd.Flags().BoolVar(&enableDebug, "enable_debug", false, "enable verbose internal tracing")
	cmd.Flags().StringVar(&queryFlag, "query", "", "show information about a target or variable instead of building")
	cmd.Flags().StringVar(&cpuprofile, "kati_cpuprofile", "", "write a CPU profile to `file`")
	cmd.Flags().BoolVar(&kati.StatsFlag, "kati_stats", false, "show a bunch of statistics")
	cmd.Flags().BoolVar(&kati.PeriodicStatsFlag, "kati_periodic_stats", false, "show a bunch of periodic statistics")
	cmd.Flags().BoolVar(&kati.EvalStatsFlag, "kati_eval_stats", false, "show eval statistics")
	cmd.Flags().StringVar(&kati.IgnoreOptionalInclude, "ignore_optional_include", "", "skip -include directives whose path matches this pattern")
	cmd.Flags().BoolVar(&realpathFlag, "realpath", false, "print the canonical path of each remaining argument and exit")

	return cmd
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}
