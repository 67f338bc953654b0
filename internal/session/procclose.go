package session

import (
	"fmt"
	"os"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"autosend/pkg/logx"
)

// killByName terminates every running process whose executable matches one
// of names (case-insensitive, extension-insensitive). Used only when the
// graceful session close failed.
func killByName(names []string, log logx.Logger) error {
	procs, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	killed := 0
	for _, p := range procs {
		if !nameMatches(p.Executable(), names) {
			continue
		}
		proc, err := os.FindProcess(p.Pid())
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			log.Warn("kill failed",
				logx.String("exe", p.Executable()), logx.Int("pid", p.Pid()), logx.Err(err))
			continue
		}
		log.Info("killed surface process",
			logx.String("exe", p.Executable()), logx.Int("pid", p.Pid()))
		killed++
	}
	if killed == 0 {
		return fmt.Errorf("no process matched %v", names)
	}
	return nil
}

func nameMatches(exe string, names []string) bool {
	exe = strings.ToLower(strings.TrimSuffix(exe, ".exe"))
	for _, n := range names {
		if exe == strings.ToLower(strings.TrimSuffix(n, ".exe")) {
			return true
		}
	}
	return false
}
