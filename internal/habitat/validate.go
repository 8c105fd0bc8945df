package habitat

import (
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidateConfig enforces the contracts of SPEC_FULL.md §4.2. It collects
// every violation before returning, the same way the teacher's validator
// reports every problem in one pass rather than failing on the first.
func ValidateConfig(m *MergedConfig) error {
	errs := &ConfigErrors{}

	if !ValidateHabitatName(m.Name) {
		errs.Add(ConfigErrSchema, LayerHabitat, "name", "must match ^[a-z][a-z0-9-]*$, got "+strconv.Quote(m.Name))
	}

	if m.BaseImage == "" && m.Dockerfile == "" {
		errs.Add(ConfigErrSchema, "", "base_image", "exactly one of base_image or dockerfile is required, neither given")
	} else if m.BaseImage != "" && m.Dockerfile != "" {
		errs.Add(ConfigErrSchema, "", "base_image", "exactly one of base_image or dockerfile is required, both given")
	}

	if m.WorkDir == "" {
		errs.Add(ConfigErrSchema, "", "env.WORKDIR", "required")
	} else if !filepath.IsAbs(m.WorkDir) {
		errs.Add(ConfigErrSchema, "", "env.WORKDIR", "must be absolute, got "+strconv.Quote(m.WorkDir))
	}

	if m.User == "" {
		errs.Add(ConfigErrSchema, "", "env.USER", "required")
	} else if m.User == "root" {
		errs.Add(ConfigErrSchema, "", "env.USER", "must not be root")
	}

	validateFiles(m, errs)
	validateScripts(m, errs)
	validateRepos(m, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateFiles(m *MergedConfig, errs *ConfigErrors) {
	for _, f := range m.Files {
		if f.Dest == "" || !filepath.IsAbs(f.Dest) {
			errs.Add(ConfigErrSchema, f.SourceLayer, "files.dest", "must be absolute, got "+strconv.Quote(f.Dest))
		}
		if f.Mode != "" {
			if _, err := strconv.ParseUint(f.Mode, 8, 32); err != nil {
				errs.Add(ConfigErrSchema, f.SourceLayer, "files.mode", "must be octal, got "+strconv.Quote(f.Mode))
			}
		}
		if f.Owner != "" && f.Owner != "root" && f.Owner != "${USER}" && f.Owner != m.User {
			// literal usernames are permitted; nothing further to check here
			// without a system user database, which the pipeline does not have.
			_ = f.Owner
		}
		if f.Before != "" {
			if id, ok := phaseByName[f.Before]; !ok {
				errs.Add(ConfigErrSchema, f.SourceLayer, "files.before", "unknown phase "+strconv.Quote(f.Before))
			} else if id <= 1 {
				errs.Add(ConfigErrSchema, f.SourceLayer, "files.before", "no phase runs before "+strconv.Quote(f.Before))
			}
		}
		if f.After != "" {
			if _, ok := phaseByName[f.After]; !ok {
				errs.Add(ConfigErrSchema, f.SourceLayer, "files.after", "unknown phase "+strconv.Quote(f.After))
			}
		}
	}
}

func validateScripts(m *MergedConfig, errs *ConfigErrors) {
	for _, s := range m.Scripts {
		if s.RunAs != "" && s.RunAs != "root" && s.RunAs != "${USER}" {
			errs.Add(ConfigErrSchema, s.SourceLayer, "scripts.run_as", "must be root or ${USER}, got "+strconv.Quote(s.RunAs))
		}
		if s.Before != "" {
			if id, ok := phaseByName[s.Before]; !ok {
				errs.Add(ConfigErrSchema, s.SourceLayer, "scripts.before", "unknown phase "+strconv.Quote(s.Before))
			} else if id <= 1 {
				errs.Add(ConfigErrSchema, s.SourceLayer, "scripts.before", "no phase runs before "+strconv.Quote(s.Before))
			}
		}
		if s.After != "" {
			if _, ok := phaseByName[s.After]; !ok {
				errs.Add(ConfigErrSchema, s.SourceLayer, "scripts.after", "unknown phase "+strconv.Quote(s.After))
			}
		}
	}
}

func validateRepos(m *MergedConfig, errs *ConfigErrors) {
	for _, r := range m.Repos {
		if _, err := url.Parse(r.URL); err != nil || r.URL == "" {
			errs.Add(ConfigErrSchema, "", "repos.url", "unparseable: "+strconv.Quote(r.URL))
		}
		if strings.TrimSpace(r.Branch) == "" {
			errs.Add(ConfigErrSchema, "", "repos.branch", "must not be empty")
		}
		if r.Path == "" || !filepath.IsAbs(r.Path) {
			errs.Add(ConfigErrSchema, "", "repos.path", "must be absolute, got "+strconv.Quote(r.Path))
		}
		if r.Access != AccessRead && r.Access != AccessWrite {
			errs.Add(ConfigErrSchema, "", "repos.access", "must be read or write, got "+strconv.Quote(r.Access))
		}
	}
}
