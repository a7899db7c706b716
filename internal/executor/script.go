package executor

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/sluiceio/sluice/internal/model"
)

// BuildWrapper renders the wrapper script that runs a task's payload and
// records its exit status. Directive header lines are injected after the
// shebang so the scheduler reads them; task environment variables are
// exported, sorted by name, before the payload runs. An empty header token
// suppresses the header.
func BuildWrapper(task *model.Task, headerToken string, dirs []Directive) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if headerToken != "" {
		for _, d := range dirs {
			b.WriteString(headerToken)
			b.WriteByte(' ')
			b.WriteString(d.Flag)
			if d.Value != "" {
				b.WriteByte(' ')
				b.WriteString(d.Value)
			}
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "cd '%s'\n", task.WorkDir)
	for _, k := range slices.Sorted(maps.Keys(task.Env)) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(task.Env[k]))
	}
	fmt.Fprintf(&b, "/bin/bash '%s'\n", task.PayloadPath())
	b.WriteString("ret=$?\n")
	fmt.Fprintf(&b, "echo $ret > '%s'\n", task.ExitFilePath())
	b.WriteString("exit $ret\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WriteScripts materializes the payload and wrapper scripts in the task work
// directory, creating it if needed.
func WriteScripts(task *model.Task, headerToken string, dirs []Directive) error {
	if err := os.MkdirAll(task.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	payload := task.Script
	if !strings.HasPrefix(payload, "#!") {
		payload = "#!/bin/bash\n" + payload
	}
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	if err := os.WriteFile(task.PayloadPath(), []byte(payload), 0o744); err != nil {
		return fmt.Errorf("writing payload script: %w", err)
	}
	wrapper := BuildWrapper(task, headerToken, dirs)
	if err := os.WriteFile(task.WrapperPath(), []byte(wrapper), 0o744); err != nil {
		return fmt.Errorf("writing wrapper script: %w", err)
	}
	return nil
}

// ReadExitFile reads a task exit status file. ok is false while the file does
// not exist; a present but garbled file reads as model.ExitUnknown so the
// caller treats the task as failed rather than silently successful.
func ReadExitFile(path string) (code int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	code, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return model.ExitUnknown, true
	}
	return code, true
}
