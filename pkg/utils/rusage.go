// pkg/utils/rusage.go

package utils

import (
	"fmt"
	"syscall"
)

type Rusage struct {
	syscall.Rusage
}

func (ru *Rusage) GetUtime() float64 {
	return float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
}

func (ru *Rusage) GetStime() float64 {
	return float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
}

// CPUSince formats the user and system CPU time consumed since prev.
func (ru *Rusage) CPUSince(prev *Rusage) string {
	return fmt.Sprintf("user %.2fs, sys %.2fs", ru.GetUtime()-prev.GetUtime(), ru.GetStime()-prev.GetStime())
}

func GetRusage() *Rusage {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	return &Rusage{ru}
}
