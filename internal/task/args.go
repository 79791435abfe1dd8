package task

import "strings"

// ParseArguments splits a job record's argument string into positional
// arguments and --key=value options. Single and double quotes group words and
// are stripped, so a scheduler-written `--schedule='nightly plan'` round-trips
// as Options["schedule"] = "nightly plan". An option without a value (a bare
// --flag) maps to the empty string.
func ParseArguments(s string) (args []string, opts map[string]string) {
	opts = make(map[string]string)
	for _, tok := range splitQuoted(s) {
		if !strings.HasPrefix(tok, "--") {
			args = append(args, tok)
			continue
		}
		kv := strings.TrimPrefix(tok, "--")
		if k, v, ok := strings.Cut(kv, "="); ok {
			opts[k] = v
		} else {
			opts[kv] = ""
		}
	}
	return args, opts
}

// splitQuoted splits on whitespace while honoring ' and " quoting. Quote
// characters may appear mid-token (as in --schedule='x').
func splitQuoted(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
