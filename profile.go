package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// Profiler is an active profiling session toggled by SIGUSR2. Each profile is written
// to its own file under dataDir when the session stops.
type Profiler struct {
	dataDir string
	closers []func()
	stopped atomic.Bool
}

// StartProfiler starts cpu, heap, mutex, block and trace profiling.
// The caller should call Stop to flush the data files.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}

	p.start("cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	})
	p.start("trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	})
	p.start("mem", func(f *os.File) (func(), error) {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() {
			writeProfile("heap", f)
			runtime.MemProfileRate = old
		}, nil
	})
	p.start("mutex", func(f *os.File) (func(), error) {
		runtime.SetMutexProfileFraction(1)
		return func() {
			writeProfile("mutex", f)
			runtime.SetMutexProfileFraction(0)
		}, nil
	})
	p.start("block", func(f *os.File) (func(), error) {
		runtime.SetBlockProfileRate(1)
		return func() {
			writeProfile("block", f)
			runtime.SetBlockProfileRate(0)
		}, nil
	})

	return p
}

func (p *Profiler) start(kind string, begin func(f *os.File) (func(), error)) {
	fn := dumpFile(p.dataDir, kind, "pprof")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return
	}

	end, err := begin(f)
	if err != nil {
		glog.Errorf("pprof: could not start %s profile: %v", kind, err)
		f.Close()
		return
	}

	glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
	p.closers = append(p.closers, func() {
		end()
		f.Close()
		glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
	})
}

// Stop stops the profile and flushes any unwritten data.
func (p *Profiler) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
}

func writeProfile(name string, f *os.File) {
	if prof := pprof.Lookup(name); prof != nil {
		if err := prof.WriteTo(f, 0); err != nil {
			glog.Errorf("pprof: write %s profile error: %v", name, err)
		}
	}
}

func dumpFile(dir, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}

func dumpGoroutines(dir string) {
	fn := dumpFile(dir, "goroutines", "dump")
	glog.Infof("Got dump goroutine signal, dumping goroutine profile to %s", fn)

	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("Failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()

	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("Failed to write goroutine profile to %s, error: %v", fn, err)
	}
}
