package habitat

import (
	"fmt"
	"os"
	"strings"
)

// expandEnv resolves ${KEY} references across the merged env list, then
// applies the same resolver to files.dest, scripts.commands, repos.path,
// and verify-fs.required_files. Resolution is a single left-to-right pass:
// a key may only reference bindings declared earlier in the merged order,
// or the invoking process environment. Bare $KEY is left as a literal.
func expandEnv(m *MergedConfig) error {
	bound := make(map[string]string)
	for i := range m.Env {
		resolved, err := expandString(m.Env[i].Value, bound)
		if err != nil {
			return &ConfigError{Kind: ConfigErrExpansion, Layer: m.Env[i].SourceLayer, Field: "env." + m.Env[i].Key, Msg: err.Error()}
		}
		m.Env[i].Value = resolved
		bound[m.Env[i].Key] = resolved
	}

	for i := range m.Files {
		dest, err := expandString(m.Files[i].Dest, bound)
		if err != nil {
			return &ConfigError{Kind: ConfigErrExpansion, Layer: m.Files[i].SourceLayer, Field: "files.dest", Msg: err.Error()}
		}
		m.Files[i].Dest = dest
	}

	for i := range m.Scripts {
		for j, cmd := range m.Scripts[i].Commands {
			resolved, err := expandString(cmd, bound)
			if err != nil {
				return &ConfigError{Kind: ConfigErrExpansion, Layer: m.Scripts[i].SourceLayer, Field: "scripts.commands", Msg: err.Error()}
			}
			m.Scripts[i].Commands[j] = resolved
		}
	}

	for i := range m.Repos {
		path, err := expandString(m.Repos[i].Path, bound)
		if err != nil {
			return &ConfigError{Kind: ConfigErrExpansion, Field: "repos.path", Msg: err.Error()}
		}
		m.Repos[i].Path = path
	}

	for i := range m.VerifyFS.RequiredFiles {
		resolved, err := expandString(m.VerifyFS.RequiredFiles[i], bound)
		if err != nil {
			return &ConfigError{Kind: ConfigErrExpansion, Field: "verify-fs.required_files", Msg: err.Error()}
		}
		m.VerifyFS.RequiredFiles[i] = resolved
	}

	return nil
}

// expandString replaces every ${KEY} in s. KEY resolves against bound
// first, then the process environment. Bare $KEY (no braces) is literal.
func expandString(s string, bound map[string]string) (string, error) {
	var out strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated ${ in %q", s)
			}
			key := s[i+2 : i+2+end]
			if v, ok := bound[key]; ok {
				out.WriteString(v)
			} else if v, ok := os.LookupEnv(key); ok {
				out.WriteString(v)
			} else {
				return "", fmt.Errorf("unresolved reference ${%s}", key)
			}
			i = i + 2 + end + 1
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String(), nil
}
