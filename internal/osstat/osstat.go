// Package osstat reads per-process CPU, I/O, and memory counters from
// the /proc filesystem. It needs no elevated privileges; /proc/[pid]/io
// may still be unreadable under some hardening profiles, in which case
// the snapshot is reported as unavailable rather than failing the caller.
package osstat

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// userHZ is the clock-tick unit of the utime/stime fields in
// /proc/[pid]/stat. Linux fixes USER_HZ at 100 regardless of the kernel
// tick rate.
const userHZ = 100

// CPUStats holds CPU time from /proc/[pid]/stat.
type CPUStats struct {
	UTimeTicks uint64 `json:"utime_ticks"`
	STimeTicks uint64 `json:"stime_ticks"`

	UserSec   float64 `json:"user_sec"`
	SystemSec float64 `json:"system_sec"`
	TotalSec  float64 `json:"total_sec"`
}

// IOStats holds I/O counters from /proc/[pid]/io. RChar/WChar count all
// bytes moved through read/write syscalls; ReadBytes/WriteBytes count
// only bytes that actually hit storage.
type IOStats struct {
	RChar      uint64 `json:"rchar"`
	WChar      uint64 `json:"wchar"`
	SyscallsR  uint64 `json:"syscr"`
	SyscallsW  uint64 `json:"syscw"`
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
}

// MemStats holds memory figures from /proc/[pid]/status.
type MemStats struct {
	VMPeakKB uint64 `json:"vm_peak_kb"`
	VMSizeKB uint64 `json:"vm_size_kb"`
	VMRssKB  uint64 `json:"vm_rss_kb"`
}

// Usage is a combined OS-level snapshot for one process.
type Usage struct {
	CPU CPUStats `json:"cpu"`
	IO  IOStats  `json:"io"`
	Mem MemStats `json:"mem"`
}

// Read captures a full snapshot for pid. The second return value is
// false when none of the /proc sources could be read (process gone or
// permission denied); a partially readable process still returns true.
func Read(pid int) (Usage, bool) {
	var u Usage
	okCPU := readCPU(pid, &u.CPU)
	okIO := readIO(pid, &u.IO)
	okMem := readMem(pid, &u.Mem)
	return u, okCPU || okIO || okMem
}

func readCPU(pid int, out *CPUStats) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The comm field is parenthesized and may contain spaces; fields are
	// only positional after the closing paren.
	line := string(data)
	i := strings.LastIndexByte(line, ')')
	if i < 0 || i+2 > len(line) {
		return false
	}
	fields := strings.Fields(line[i+2:])
	// After comm: state is field 3, so utime/stime (stat fields 14/15)
	// are at offsets 11 and 12 here.
	if len(fields) < 13 {
		return false
	}
	ut, err1 := strconv.ParseUint(fields[11], 10, 64)
	st, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	out.UTimeTicks = ut
	out.STimeTicks = st
	out.UserSec = float64(ut) / userHZ
	out.SystemSec = float64(st) / userHZ
	out.TotalSec = out.UserSec + out.SystemSec
	return true
}

func readIO(pid int, out *IOStats) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "rchar":
			out.RChar = n
		case "wchar":
			out.WChar = n
		case "syscr":
			out.SyscallsR = n
		case "syscw":
			out.SyscallsW = n
		case "read_bytes":
			out.ReadBytes = n
		case "write_bytes":
			out.WriteBytes = n
		}
	}
	return sc.Err() == nil
}

func readMem(pid int, out *MemStats) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSuffix(strings.TrimSpace(val), " kB")
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "VmPeak":
			out.VMPeakKB = n
		case "VmSize":
			out.VMSizeKB = n
		case "VmRSS":
			out.VMRssKB = n
		}
	}
	return sc.Err() == nil
}

// Diff computes end − start for every counter. The counters are
// unsigned, so a reset between snapshots wraps the subtraction to an
// enormous value instead of going negative; SuspectFields detects that
// after the fact.
func Diff(start, end Usage) Usage {
	d := Usage{
		CPU: CPUStats{
			UTimeTicks: end.CPU.UTimeTicks - start.CPU.UTimeTicks,
			STimeTicks: end.CPU.STimeTicks - start.CPU.STimeTicks,
		},
		IO: IOStats{
			RChar:      end.IO.RChar - start.IO.RChar,
			WChar:      end.IO.WChar - start.IO.WChar,
			SyscallsR:  end.IO.SyscallsR - start.IO.SyscallsR,
			SyscallsW:  end.IO.SyscallsW - start.IO.SyscallsW,
			ReadBytes:  end.IO.ReadBytes - start.IO.ReadBytes,
			WriteBytes: end.IO.WriteBytes - start.IO.WriteBytes,
		},
		// Memory is a gauge, not a counter; report the end-state values.
		Mem: end.Mem,
	}
	d.CPU.UserSec = float64(d.CPU.UTimeTicks) / userHZ
	d.CPU.SystemSec = float64(d.CPU.STimeTicks) / userHZ
	d.CPU.TotalSec = d.CPU.UserSec + d.CPU.SystemSec
	return d
}

// wrapSentinel: a diff at or past 2^63 can only come from end < start,
// i.e. the counter reset between the two snapshots.
const wrapSentinel = uint64(1) << 63

// maxCPUThreads bounds how much CPU time one process can plausibly burn
// per wall-clock second. utime/stime aggregate all threads, so the limit
// is a thread-count allowance, not 1.
const maxCPUThreads = 64

// SuspectFields returns the names of diffed counters whose values cannot
// be real: either the unsigned subtraction wrapped, or the CPU seconds
// exceed what the wall-clock window could have produced. Values are
// flagged, never clamped, matching the engine-counter contract.
func SuspectFields(d Usage, window time.Duration) []string {
	var out []string
	wrapped := func(name string, v uint64) {
		if v >= wrapSentinel {
			out = append(out, name)
		}
	}
	wrapped("utime_ticks", d.CPU.UTimeTicks)
	wrapped("stime_ticks", d.CPU.STimeTicks)
	wrapped("rchar", d.IO.RChar)
	wrapped("wchar", d.IO.WChar)
	wrapped("syscr", d.IO.SyscallsR)
	wrapped("syscw", d.IO.SyscallsW)
	wrapped("read_bytes", d.IO.ReadBytes)
	wrapped("write_bytes", d.IO.WriteBytes)

	// Catch resets too small to wrap past the sentinel: more CPU time
	// than the window allows. The extra tick absorbs USER_HZ rounding.
	if window > 0 && d.CPU.UTimeTicks < wrapSentinel && d.CPU.STimeTicks < wrapSentinel {
		limit := window.Seconds()*maxCPUThreads + 2.0/userHZ
		if d.CPU.TotalSec > limit {
			out = append(out, "cpu_total_sec")
		}
	}
	return out
}
