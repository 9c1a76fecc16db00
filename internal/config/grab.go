package config

import (
	"strings"
	"time"
)

// ScheduleOff disables scheduled batches when used as grab.schedule or
// CRON_HOURS.
const ScheduleOff = "off"

// GrabConfig describes how one claim attempt is invoked and when batches run.
type GrabConfig struct {
	Command        string `yaml:"command" env:"GRAB_COMMAND" json:"command"`
	CredentialEnv  string `yaml:"credential_env" env:"GRAB_CREDENTIAL_ENV" json:"credential_env"`
	Timeout        string `yaml:"timeout" env:"GRAB_TIMEOUT" json:"timeout"`
	WorkingDir     string `yaml:"working_dir" env:"GRAB_WORKING_DIR" json:"working_dir,omitempty"`
	Schedule       string `yaml:"schedule" env:"GRAB_SCHEDULE" json:"schedule"`
	CronHours      string `yaml:"cron_hours" env:"CRON_HOURS" json:"cron_hours,omitempty"`
	RunOnStart     bool   `yaml:"run_on_start" env:"RUN_ON_START" json:"run_on_start"`
	MaxOutputBytes int    `yaml:"max_output_bytes" env:"GRAB_MAX_OUTPUT_BYTES" json:"max_output_bytes"`
}

// ParseTimeout parses the Timeout string into a time.Duration.
func (g *GrabConfig) ParseTimeout() (time.Duration, error) {
	return time.ParseDuration(g.Timeout)
}

// ScheduleEnabled reports whether batches should run on a schedule.
func (g *GrabConfig) ScheduleEnabled() bool {
	return g.Schedule != ScheduleOff
}

func applyGrabDefaults(g *GrabConfig) {
	g.Command = strings.TrimSpace(g.Command)
	if g.Command == "" {
		g.Command = "python /app/meituan.py"
	}
	if g.CredentialEnv == "" {
		g.CredentialEnv = "MEITUAN_TOKEN"
	}
	if g.Timeout == "" {
		g.Timeout = "2m"
	}
	if g.WorkingDir != "" {
		g.WorkingDir = expandPath(g.WorkingDir)
	}
	g.Schedule = strings.TrimSpace(g.Schedule)
	if g.Schedule == "" {
		g.Schedule = scheduleFromHours(g.CronHours)
	}
	if g.MaxOutputBytes <= 0 {
		g.MaxOutputBytes = 1 << 20
	}
}

// scheduleFromHours turns a comma separated hour list such as "8,14" into a
// cron expression firing at the top of each hour.
func scheduleFromHours(hours string) string {
	hours = strings.ReplaceAll(strings.TrimSpace(hours), " ", "")
	switch hours {
	case "":
		hours = "8,14"
	case ScheduleOff:
		return ScheduleOff
	}
	return "0 " + hours + " * * *"
}
