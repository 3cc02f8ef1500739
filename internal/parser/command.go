package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// Error is returned for any bad command or argument; callers display it back
// to the user in the originating room and never treat it as fatal.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Flag declares one optional "--name" or "--name value" switch.
type Flag struct {
	Name     string // without leading "--"
	HasValue bool
	Usage    string
}

// Positional declares one positional argument slot.
type Positional struct {
	Name     string
	Required bool
	// Variadic, if true, must be the last positional and consumes all
	// remaining non-flag tokens.
	Variadic bool
}

// Spec is a command's schema: its name, one-line help, and its positional
// and flag arguments. It intentionally does not reuse any standard library
// flag-parsing type (§9 Design Notes: "do not reuse the runtime's standard
// argument parser").
type Spec struct {
	Name  string
	Short string
	Flags []Flag
	Pos   []Positional
}

// Args is the parsed result of matching a token list against a Spec.
type Args struct {
	Pos   []string
	Flags map[string]string
	Set   map[string]bool
}

// Get returns the i'th positional argument, or "" if absent.
func (a *Args) Get(i int) string {
	if i < 0 || i >= len(a.Pos) {
		return ""
	}
	return a.Pos[i]
}

// Tail returns all positional args from i onward joined with a single
// space, used by commands like MSG/QUERY whose trailing argument is
// free-form text.
func (a *Args) Tail(i int) string {
	if i >= len(a.Pos) {
		return ""
	}
	return strings.Join(a.Pos[i:], " ")
}

// Has reports whether a flag was present on the command line.
func (a *Args) Has(name string) bool { return a.Set[name] }

// FlagValue returns a flag's value, or "" if absent or value-less.
func (a *Args) FlagValue(name string) string { return a.Flags[name] }

// FlagInt parses a flag's value as an integer, returning def if absent.
func (a *Args) FlagInt(name string, def int) (int, error) {
	v, ok := a.Flags[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errf("--%s must be an integer", name)
	}
	return n, nil
}

// Parse matches tokens against spec, in any order: flags may appear
// interleaved with positional arguments.
func Parse(spec *Spec, tokens []string) (*Args, error) {
	flagsByName := map[string]Flag{}
	for _, f := range spec.Flags {
		flagsByName[strings.ToLower(f.Name)] = f
	}

	args := &Args{Flags: map[string]string{}, Set: map[string]bool{}}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if strings.HasPrefix(tok, "--") {
			name := strings.ToLower(strings.TrimPrefix(tok, "--"))
			f, ok := flagsByName[name]
			if !ok {
				return nil, errf("unrecognized arguments: %s", tok)
			}
			args.Set[f.Name] = true
			if f.HasValue {
				if i+1 >= len(tokens) {
					return nil, errf("argument --%s: expected one argument", f.Name)
				}
				args.Flags[f.Name] = tokens[i+1]
				i += 2
			} else {
				i++
			}
			continue
		}

		args.Pos = append(args.Pos, tok)
		i++
	}

	required := 0
	for _, p := range spec.Pos {
		if p.Required {
			required++
		}
	}
	if len(args.Pos) < required {
		return nil, errf("the following arguments are required: %s", spec.missingNames(len(args.Pos)))
	}

	maxPos := len(spec.Pos)
	hasVariadic := maxPos > 0 && spec.Pos[maxPos-1].Variadic
	if !hasVariadic && len(args.Pos) > maxPos {
		return nil, errf("unrecognized arguments: %s", strings.Join(args.Pos[maxPos:], " "))
	}

	return args, nil
}

func (s *Spec) missingNames(have int) string {
	var names []string
	for i, p := range s.Pos {
		if p.Required && i >= have {
			names = append(names, p.Name)
		}
	}
	return strings.Join(names, ", ")
}

// Usage renders a one-line usage string, e.g. "ADDSERVER <net> <addr> [port] [--tls]".
func (s *Spec) Usage() string {
	var b strings.Builder
	b.WriteString(s.Name)
	for _, p := range s.Pos {
		b.WriteString(" ")
		if p.Variadic {
			b.WriteString(fmt.Sprintf("[%s...]", p.Name))
		} else if p.Required {
			b.WriteString(fmt.Sprintf("<%s>", p.Name))
		} else {
			b.WriteString(fmt.Sprintf("[%s]", p.Name))
		}
	}
	for _, f := range s.Flags {
		if f.HasValue {
			b.WriteString(fmt.Sprintf(" [--%s VALUE]", f.Name))
		} else {
			b.WriteString(fmt.Sprintf(" [--%s]", f.Name))
		}
	}
	return b.String()
}
