package supervisor

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// processMatches asks the OS whether pid is alive and is the expected program.
//
// A bare pid is not enough because pids are reused. The command line must
// contain an argument whose base name is matchName and, when matchArg is set,
// an argument equal to matchArg. Lookup failures (process gone, permission
// denied) report false.
func processMatches(pid int, matchName, matchArg string) bool {
	if pid <= 0 || matchName == "" {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.Status(); err == nil {
		for _, s := range st {
			if s == process.Zombie {
				return false
			}
		}
	}
	args, err := p.CmdlineSlice()
	if err != nil || len(args) == 0 {
		return false
	}
	return cmdlineMatches(args, matchName, matchArg)
}

func cmdlineMatches(args []string, matchName, matchArg string) bool {
	nameOK := false
	argOK := matchArg == ""
	cleanArg := filepath.Clean(matchArg)
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if filepath.Base(a) == matchName {
			nameOK = true
		}
		if !argOK && (a == matchArg || filepath.Clean(a) == cleanArg) {
			argOK = true
		}
	}
	return nameOK && argOK
}
