package config

import "regexp"

// dangerousPatterns match shell commands that can destroy data or alter the
// system outside the working directory. Matching commands always require
// explicit confirmation, regardless of the auto-approve setting.
var dangerousPatterns = compilePatterns([]string{
	`rm\s+(-rf?|--recursive).*(/|~|\$HOME)`,
	`rm\s+-rf?\s+\.`,
	`sudo\s+rm`,
	`sudo\s+mv\s+/`,
	`sudo\s+chmod`,
	`sudo\s+chown`,
	`mkfs\.`,
	`dd\s+.*of=/dev/`,
	`shutdown`,
	`reboot`,
	`:\(\)\{ :\|:& \};:`,
	`>\s*/dev/sd`,
	`chmod\s+-R\s+777\s+/`,
	`chown\s+-R.*\s+/`,
	`git\s+push.*--force`,
	`git\s+push.*-f\b`,
	`git\s+reset\s+--hard`,
	`curl.*\|\s*(ba)?sh`,
	`wget.*\|\s*(ba)?sh`,
	`>\s*/etc/`,
	`mv\s+/\w`,
	`rm\s+-rf?\s+/\w`,
})

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// IsDangerousCommand reports whether the command matches any dangerous
// pattern.
func IsDangerousCommand(command string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
