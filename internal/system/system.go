package system

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// InitResourceLimits raises the open file limit: every decoded video asset holds an ffmpeg pipe.
func InitResourceLimits(log zerolog.Logger, want uint64) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn().Err(err).Msg("Не удалось получить лимит файлов")
		return
	}
	if rLimit.Cur >= want {
		return
	}

	rLimit.Cur = want
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn().Err(err).Msg("Не удалось установить лимит файлов")
		return
	}
	log.Debug().Uint64("nofile", uint64(rLimit.Cur)).Msg("open file limit raised")
}

// Stats is a point-in-time resource snapshot for the export report
type Stats struct {
	Goroutines  int
	HeapAlloc   uint64
	ProcessRSS  uint64
	SystemTotal uint64
	SystemUsed  float64 // percent
	CPUs        int
}

// Snapshot collects process and host memory figures. Host figures are best effort:
// on failure they stay zero and the error is returned alongside the partial snapshot.
func Snapshot() (Stats, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := Stats{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		CPUs:       runtime.NumCPU(),
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return st, fmt.Errorf("virtual memory: %w", err)
	}
	st.SystemTotal = vm.Total
	st.SystemUsed = vm.UsedPercent

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return st, fmt.Errorf("process: %w", err)
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return st, fmt.Errorf("process memory: %w", err)
	}
	st.ProcessRSS = mi.RSS
	return st, nil
}

// MiB formats a byte count for log output.
func MiB(b uint64) string {
	return fmt.Sprintf("%.1f MiB", float64(b)/(1<<20))
}
