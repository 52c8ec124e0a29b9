package engineclients

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
)

// Check is one dependency probe to run inside the sandbox's own
// environment: a shell command, a regexp to pull the version out of its
// output, and an optional minimum version.
type Check struct {
	Name         string
	Command      string
	VersionRegex string
	MinVersion   string
}

// ShellChecks lists a fixed battery of checks per shell_type, grounded on
// original_source/executor/agents/image_validator/image_validator_agent.py's
// VALIDATION_CHECKS table. Nothing in this tree applies it: the image
// validator agent runs the checks listed in agent_config["checks"].
var ShellChecks = map[string][]Check{
	"claudecode": {
		{Name: "node", Command: "node --version", VersionRegex: `v(\d+\.\d+\.\d+)`, MinVersion: "18.0.0"},
		{Name: "claude-cli", Command: "claude --version", VersionRegex: `(\d+\.\d+\.\d+)`},
		{Name: "git", Command: "git --version", VersionRegex: `(\d+\.\d+\.\d+)`},
	},
	"agno": {
		{Name: "python", Command: "python3 --version", VersionRegex: `(\d+\.\d+\.\d+)`, MinVersion: "3.10.0"},
	},
}

// CommandValidator implements agents.Validator by shelling out to `sh -c`
// for each check, grounded on image_validator_agent.py's subprocess.run
// call and regex/min-version comparison. Each check runs with a 30s
// timeout, matching the original's subprocess timeout.
type CommandValidator struct {
	Run func(ctx context.Context, command string) (string, error)
}

// NewCommandValidator constructs a CommandValidator that shells real
// commands via os/exec.
func NewCommandValidator() *CommandValidator {
	return &CommandValidator{Run: runShell}
}

func runShell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	return string(out), err
}

// Validate implements agents.Validator.
func (v *CommandValidator) Validate(ctx context.Context, checks []agents.ValidationCheck) ([]agents.ValidationResult, error) {
	results := make([]agents.ValidationResult, 0, len(checks))
	for _, vc := range checks {
		command, _ := vc.Params["command"].(string)
		versionRegex, _ := vc.Params["version_regex"].(string)
		minVersion, _ := vc.Params["min_version"].(string)

		results = append(results, v.runCheck(ctx, command, versionRegex, minVersion))
	}
	return results, nil
}

func (v *CommandValidator) runCheck(ctx context.Context, command, versionRegex, minVersion string) agents.ValidationResult {
	output, err := v.Run(ctx, command)
	if err != nil || strings.Contains(strings.ToLower(output), "not found") {
		return agents.ValidationResult{Valid: false, Reason: "command failed or not found"}
	}

	if versionRegex == "" {
		return agents.ValidationResult{Valid: true}
	}

	re, err := regexp.Compile(versionRegex)
	if err != nil {
		return agents.ValidationResult{Valid: true, Reason: "invalid version_regex, skipping version check"}
	}
	match := re.FindStringSubmatch(output)
	if match == nil {
		return agents.ValidationResult{Valid: true, Reason: "detected but version not parsed"}
	}
	version := match[1]

	if minVersion == "" {
		return agents.ValidationResult{Valid: true}
	}

	got, err1 := semver.NewVersion(version)
	want, err2 := semver.NewVersion(minVersion)
	if err1 != nil || err2 != nil {
		return agents.ValidationResult{Valid: true, Reason: "version comparison error"}
	}
	if got.LessThan(want) {
		return agents.ValidationResult{Valid: false, Reason: "version " + version + " below required " + minVersion}
	}
	return agents.ValidationResult{Valid: true}
}
