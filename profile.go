package main

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/mjl-/imapmirror/mlog"
)

// startProfiling starts CPU profiling and execution tracing for paths that
// are set. The returned function stops them, and writes a heap profile if
// mempath is set.
func startProfiling(log mlog.Log, cpupath, mempath, tracepath string) (stop func()) {
	var stops []func()

	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "creating trace file")
		err = trace.Start(f)
		xcheckf(err, "starting execution trace")
		stops = append(stops, func() {
			trace.Stop()
			log.Check(f.Close(), "closing trace file")
		})
	}

	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "starting cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			log.Check(f.Close(), "closing cpu profile")
		})
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		if err != nil {
			log.Errorx("creating memory profile", err)
			return
		}
		defer func() {
			log.Check(f.Close(), "closing memory profile")
		}()
		runtime.GC() // Up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		log.Check(err, "writing memory profile")
	}
}
