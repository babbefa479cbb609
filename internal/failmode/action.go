package failmode

import (
	"path/filepath"
	"strings"

	"warden/internal/reason"
)

// Channel is how an action reaches the host.
type Channel string

const (
	ChannelOps   Channel = "ops"   // /ops <verb> <target>
	ChannelExec  Channel = "exec"  // /exec <command> <args...>
	ChannelPlain Channel = "plain" // bare verb, no channel prefix
)

// Action is a parsed task action.
type Action struct {
	Raw     string
	Channel Channel
	Verb    string   // ops verb or exec command base name
	Args    []string // everything after the verb, sudo stripped
	Sudo    bool
}

// Target returns the first non-flag argument, or "".
func (a Action) Target() string {
	for _, arg := range a.Args {
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}
	return ""
}

// Operands returns every non-flag argument. For dd-style key=value operands
// the value is returned.
func (a Action) Operands() []string {
	var out []string
	for _, arg := range a.Args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if k, v, ok := strings.Cut(arg, "="); ok && k != "" && !strings.ContainsAny(k, "/*?") {
			out = append(out, v)
			continue
		}
		out = append(out, arg)
	}
	return out
}

// Flags returns every argument starting with '-'.
func (a Action) Flags() []string {
	var out []string
	for _, arg := range a.Args {
		if strings.HasPrefix(arg, "-") && arg != "-" {
			out = append(out, arg)
		}
	}
	return out
}

// ParseAction splits a task action into channel, verb and arguments.
func ParseAction(raw string) Action {
	fields := strings.Fields(raw)
	a := Action{Raw: raw, Channel: ChannelPlain}
	if len(fields) == 0 {
		return a
	}
	switch strings.ToLower(fields[0]) {
	case "/ops":
		a.Channel = ChannelOps
		fields = fields[1:]
	case "/exec":
		a.Channel = ChannelExec
		fields = fields[1:]
	}
	if len(fields) > 0 && fields[0] == "sudo" {
		a.Sudo = true
		fields = fields[1:]
		// sudo's own options (sudo -u root rm ...)
		for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
			opt := fields[0]
			fields = fields[1:]
			if (opt == "-u" || opt == "-g") && len(fields) > 0 {
				fields = fields[1:]
			}
		}
	}
	if len(fields) == 0 {
		return a
	}
	verb := fields[0]
	if a.Channel != ChannelOps {
		verb = filepath.Base(verb)
	}
	a.Verb = strings.ToLower(verb)
	a.Args = fields[1:]
	return a
}

// opsVerbs maps /ops verbs onto capability names.
var opsVerbs = map[string]string{
	"restart": "restart_service",
	"start":   "start_service",
	"stop":    "stop_service",
	"status":  "inspect_service",
	"logs":    "read_logs",
	"reload":  "reload_service",
}

// execCommands maps /exec command names onto capability names.
var execCommands = map[string]string{
	"rm":         "filesystem.delete",
	"shred":      "filesystem.delete",
	"mkfs":       "disk.format",
	"dd":         "disk.write",
	"ls":         "filesystem.read",
	"cat":        "filesystem.read",
	"head":       "filesystem.read",
	"tail":       "filesystem.read",
	"stat":       "filesystem.read",
	"cp":         "filesystem.write",
	"mv":         "filesystem.write",
	"touch":      "filesystem.write",
	"mkdir":      "filesystem.write",
	"chmod":      "filesystem.permissions",
	"chown":      "filesystem.permissions",
	"systemctl":  "service.control",
	"journalctl": "read_logs",
	"ssh":        "network.remote",
	"scp":        "network.remote",
	"rsync":      "network.remote",
	"curl":       "network.remote",
	"wget":       "network.remote",
}

// readOnlyCapabilities never mutate the host; authority heuristics on
// protected paths and ambiguous targets do not apply to them.
var readOnlyCapabilities = map[string]bool{
	"filesystem.read": true,
	"inspect_service": true,
	"read_logs":       true,
}

// systemctl sub-commands that only read.
var systemctlReadOnly = map[string]bool{
	"status": true, "is-active": true, "is-enabled": true, "is-failed": true,
	"show": true, "list-units": true, "cat": true,
}

// ResolveCapability maps an action onto exactly one capability name.
// Unknown or empty actions are CAPABILITY_MISSING.
func ResolveCapability(a Action) (string, error) {
	if a.Verb == "" {
		return "", reason.New(reason.CapabilityMissing, "action %q names no verb", a.Raw)
	}
	switch a.Channel {
	case ChannelOps:
		if c, ok := opsVerbs[a.Verb]; ok {
			return c, nil
		}
	case ChannelExec:
		if c, ok := execCapability(a); ok {
			return c, nil
		}
	default:
		if c, ok := opsVerbs[a.Verb]; ok {
			return c, nil
		}
		if c, ok := execCapability(a); ok {
			return c, nil
		}
	}
	return "", reason.New(reason.CapabilityMissing, "no capability mapping for %s action %q", a.Channel, a.Verb)
}

func execCapability(a Action) (string, bool) {
	cmd := a.Verb
	if strings.HasPrefix(cmd, "mkfs.") {
		cmd = "mkfs"
	}
	c, ok := execCommands[cmd]
	if ok && cmd == "systemctl" && systemctlReadOnly[strings.ToLower(a.Target())] {
		return "inspect_service", true
	}
	return c, ok
}

// IsDestructive reports whether the action's command irreversibly destroys data.
func IsDestructive(a Action) bool {
	if a.Channel == ChannelOps {
		return false
	}
	switch {
	case a.Verb == "rm", a.Verb == "shred", a.Verb == "dd":
		return true
	case a.Verb == "mkfs", strings.HasPrefix(a.Verb, "mkfs."):
		return true
	}
	return false
}

// IsRecursiveRemove reports whether the action is rm with a recursive flag,
// including combined short flags such as -rf or -fR.
func IsRecursiveRemove(a Action) bool {
	if a.Channel == ChannelOps || a.Verb != "rm" {
		return false
	}
	for _, f := range a.Flags() {
		if f == "--recursive" {
			return true
		}
		if strings.HasPrefix(f, "--") {
			continue
		}
		if strings.ContainsAny(f[1:], "rR") {
			return true
		}
	}
	return false
}

const wildcardGlyphs = "*?[]{}"

// WildcardOperand returns the first operand containing a glob glyph.
func WildcardOperand(a Action) (string, bool) {
	for _, op := range a.Operands() {
		if strings.ContainsAny(op, wildcardGlyphs) {
			return op, true
		}
	}
	return "", false
}
