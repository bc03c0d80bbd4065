package tool

import (
	"context"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Confirmer asks a human to confirm a destructive action. In production it
// is backed by internal/approval.Broker's Request/Wait pair; tests can
// supply a trivial stub.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// destructivePattern is one named, compiled matcher for a command shape
// considered destructive.
type destructivePattern struct {
	name  string
	match func(cmd parsedCommand) bool
}

type parsedCommand struct {
	name string
	args []string
}

// normalizeCommand collapses whitespace runs and case-folds a raw shell
// command string, matching the gate's normalization rule before pattern
// matching and before parsing (so "RM  -RF /" and "rm -rf /" are equivalent).
func normalizeCommand(raw string) string {
	fields := strings.Fields(raw)
	return strings.ToLower(strings.Join(fields, " "))
}

// parseSimpleCommands extracts each simple command and its arguments from a
// (possibly compound) bash command line, reusing the teacher's shell parser.
func parseSimpleCommands(raw string) []parsedCommand {
	var out []parsedCommand
	parser := syntax.NewParser()
	prog, err := parser.Parse(strings.NewReader(raw), "")
	if err != nil {
		// Unparsable input still needs to be checked; fall back to a naive
		// whitespace split of the whole line as one pseudo-command.
		fields := strings.Fields(raw)
		if len(fields) > 0 {
			out = append(out, parsedCommand{name: fields[0], args: fields[1:]})
		}
		return out
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		// A redirect target is checked as a pseudo-command of its own.
		if r, ok := node.(*syntax.Redirect); ok && r.Word != nil {
			out = append(out, parsedCommand{name: r.Op.String(), args: []string{wordLiteral(r.Word)}})
			return true
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		words := make([]string, 0, len(call.Args))
		for _, w := range call.Args {
			words = append(words, wordLiteral(w))
		}
		out = append(out, parsedCommand{name: words[0], args: words[1:]})
		return true
	})
	return out
}

func wordLiteral(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					b.WriteString(lit.Value)
				}
			}
		}
	}
	return b.String()
}

func hasFlag(args []string, short, long string) bool {
	for _, a := range args {
		a = strings.ToLower(a)
		if long != "" && a == long {
			return true
		}
		if short == "" {
			continue
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a, short) {
			return true
		}
	}
	return false
}

var chmodWorldWritable = regexp.MustCompile(`^(777|([ugo]*a?\+w))$`)
var deviceTarget = regexp.MustCompile(`^/dev/(sd|hd|nvme|xvd)[a-z]+[0-9]*$`)

var destructivePatterns = []destructivePattern{
	{
		name: "recursive force removal",
		match: func(c parsedCommand) bool {
			if c.name != "rm" && c.name != "rmdir" {
				return false
			}
			return hasFlag(c.args, "r", "--recursive") && hasFlag(c.args, "f", "--force") ||
				(c.name == "rmdir" && hasFlag(c.args, "p", "--parents"))
		},
	},
	{
		name: "forced git history rewrite",
		match: func(c parsedCommand) bool {
			if c.name != "git" || len(c.args) == 0 {
				return false
			}
			switch c.args[0] {
			case "push":
				return hasFlag(c.args[1:], "f", "--force") || containsArg(c.args[1:], "--force-with-lease")
			case "reset":
				return containsArg(c.args[1:], "--hard")
			case "clean":
				return hasFlag(c.args[1:], "f", "") && hasFlag(c.args[1:], "d", "")
			}
			return false
		},
	},
	{
		name: "destructive SQL",
		match: func(c parsedCommand) bool {
			joined := strings.ToLower(strings.Join(c.args, " "))
			return strings.Contains(joined, "drop table") ||
				strings.Contains(joined, "truncate") ||
				(strings.Contains(joined, "delete from") && !strings.Contains(joined, "where"))
		},
	},
	{
		name: "world-writable permission grant",
		match: func(c parsedCommand) bool {
			if c.name != "chmod" {
				return false
			}
			for _, a := range c.args {
				if chmodWorldWritable.MatchString(strings.ToLower(a)) {
					return true
				}
			}
			return false
		},
	},
	{
		name: "redirect into device node",
		match: func(c parsedCommand) bool {
			for _, a := range c.args {
				if deviceTarget.MatchString(a) {
					return true
				}
			}
			return false
		},
	},
	{
		name: "forced process termination",
		match: func(c parsedCommand) bool {
			if c.name != "kill" && c.name != "killall" && c.name != "pkill" {
				return false
			}
			return containsArg(c.args, "-9") || containsArg(c.args, "-sigkill") || containsArg(c.args, "-kill")
		},
	},
}

func containsArg(args []string, want string) bool {
	want = strings.ToLower(want)
	for _, a := range args {
		if strings.ToLower(a) == want {
			return true
		}
	}
	return false
}

// matchDestructive normalises raw and returns the name of the first
// destructive pattern it matches, or "" if none match.
func matchDestructive(raw string) string {
	normalized := normalizeCommand(raw)
	// "> /dev/null" is explicitly benign; strip it before device-node checks
	// so it never trips the redirect pattern.
	normalized = strings.ReplaceAll(normalized, "> /dev/null", "")

	for _, cmd := range parseSimpleCommands(normalized) {
		for _, p := range destructivePatterns {
			if p.match(cmd) {
				return p.name
			}
		}
	}
	return ""
}

// shellMetacharacter matches characters that would let a naively
// shell-concatenated remote-tool argument escape its intended value.
var shellMetacharacter = regexp.MustCompile("[;&|`$(){}!<>\\n\\r]")

// validateRemoteArgs rejects any string leaf value in args containing a
// shell metacharacter, a defence-in-depth measure for remote tool providers
// that might naively build a shell command from their arguments.
func validateRemoteArgs(args map[string]any) error {
	for key, v := range args {
		if err := checkValueForMeta(key, v); err != nil {
			return err
		}
	}
	return nil
}

func checkValueForMeta(key string, v any) error {
	switch val := v.(type) {
	case string:
		if shellMetacharacter.MatchString(val) {
			return &ValidationError{Field: key, Reason: "contains shell metacharacters"}
		}
	case map[string]any:
		for k, nested := range val {
			if err := checkValueForMeta(k, nested); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range val {
			if err := checkValueForMeta(key, nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidationError is returned when a tool dispatch fails input validation
// before ever reaching a handler.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid argument " + e.Field + ": " + e.Reason
}
