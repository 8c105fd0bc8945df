package habitat

// mergeLayers applies the system -> shared -> habitat merge rules of
// SPEC_FULL.md §4.2: scalars last-writer-wins, sequences concatenate in
// order (no de-duplication except verify-fs.required_files, a set union).
// raws and sources are parallel slices, one per layer actually present.
func mergeLayers(raws []RawConfig, sources []SourceLayer) *MergedConfig {
	m := &MergedConfig{}

	requiredFiles := make(map[string]bool)
	var requiredOrder []string

	for i, raw := range raws {
		src := sources[i]

		if raw.BaseImage != "" {
			m.BaseImage = raw.BaseImage
		}
		if raw.Dockerfile != "" {
			m.Dockerfile = raw.Dockerfile
		}

		for _, kv := range raw.Env {
			key, value := splitKV(kv)
			m.Env = append(m.Env, EnvBinding{Key: key, Value: value, SourceLayer: src})
		}

		for _, f := range raw.Files {
			f.SourceLayer = src
			m.Files = append(m.Files, f)
		}
		m.Volumes = append(m.Volumes, raw.Volumes...)
		for _, s := range raw.Scripts {
			s.SourceLayer = src
			m.Scripts = append(m.Scripts, s)
		}
		m.Repos = append(m.Repos, raw.Repos...)
		m.Tools = append(m.Tools, raw.Tools...)
		m.Tests = append(m.Tests, raw.Tests...)

		for _, rf := range raw.VerifyFS.RequiredFiles {
			if !requiredFiles[rf] {
				requiredFiles[rf] = true
				requiredOrder = append(requiredOrder, rf)
			}
		}

		if raw.Entry.InitCommand != "" {
			m.Entry.InitCommand = raw.Entry.InitCommand
		}
		if raw.Entry.StartupDelay != nil {
			m.Entry.StartupDelay = *raw.Entry.StartupDelay
		}
		if raw.Entry.Command != "" {
			m.Entry.Command = raw.Entry.Command
		}
	}

	m.VerifyFS.RequiredFiles = requiredOrder
	return m
}

// splitKV splits a "KEY=VALUE" env entry. A missing "=" yields an empty
// value, matching shell semantics for a bare "KEY".
func splitKV(entry string) (key, value string) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return entry[:i], entry[i+1:]
		}
	}
	return entry, ""
}
