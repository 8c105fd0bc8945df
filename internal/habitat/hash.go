package habitat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// phaseProjection is the canonical subset of the merged config that affects
// one phase's semantics. Only the fields a phase actually reads are
// included; mutating anything else must not change the hash (§8, property
// one). Field tags are kept alphabetical within each struct so that
// marshaling already emits sorted keys without reflection tricks.
type phaseProjection struct {
	BaseImage  string       `json:"base_image,omitempty"`
	Dockerfile string       `json:"dockerfile,omitempty"`
	Entry      *EntrySpec   `json:"entry,omitempty"`
	Env        []EnvBinding `json:"env,omitempty"`
	Files      []FileOp     `json:"files,omitempty"`
	Repos      []RepoOp     `json:"repos,omitempty"`
	Scripts    []ScriptOp   `json:"scripts,omitempty"`
	Tests      []string     `json:"tests,omitempty"`
	Tools      []string     `json:"tools,omitempty"`
	User       string       `json:"user,omitempty"`
	VerifyFS   *VerifyFS    `json:"verify_fs,omitempty"`
	WorkDir    string       `json:"work_dir,omitempty"`
}

// projectPhase selects the config fragments phase p's semantics depend on,
// per SPEC_FULL.md §4.3.
func projectPhase(m *MergedConfig, phaseID int) phaseProjection {
	switch phaseID {
	case 1: // base
		return phaseProjection{BaseImage: m.BaseImage, Dockerfile: m.Dockerfile}
	case 2: // users
		return phaseProjection{User: m.User}
	case 3: // env
		return phaseProjection{Env: m.Env}
	case 4: // workdir
		return phaseProjection{WorkDir: m.WorkDir, User: m.User}
	case 5: // habitat
		return phaseProjection{WorkDir: m.WorkDir, User: m.User}
	case 6: // files
		pa := assignPhases(m)
		return phaseProjection{Files: pa.files[6], WorkDir: m.WorkDir, User: m.User}
	case 7: // setup
		pa := assignPhases(m)
		return phaseProjection{Scripts: pa.scripts[7], User: m.User}
	case 8: // repos
		return phaseProjection{Repos: m.Repos, WorkDir: m.WorkDir, User: m.User}
	case 9: // tools
		return phaseProjection{Tools: m.Tools, User: m.User, WorkDir: m.WorkDir}
	case 10: // verify
		return phaseProjection{VerifyFS: &m.VerifyFS}
	case 11: // test
		return phaseProjection{Tests: m.Tests, User: m.User}
	case 12: // final
		return phaseProjection{Entry: &m.Entry}
	default:
		return phaseProjection{}
	}
}

// canonicalJSON serializes v with sorted object keys, no added whitespace,
// and no trailing newline. It marshals v, decodes the result into generic
// maps and slices, and re-emits it through marshalSorted, which writes the
// keys of every object, at every nesting level, in sorted order.
func canonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// PhaseHash computes the stable 16-hex-char content hash for phase
// phaseID against the merged config, per §4.3's contract.
func PhaseHash(m *MergedConfig, phaseID int) (string, error) {
	proj := projectPhase(m, phaseID)
	data, err := canonicalJSON(proj)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// AllPhaseHashes computes the hash for every phase 1..12.
func AllPhaseHashes(m *MergedConfig) (map[int]string, error) {
	hashes := make(map[int]string, 12)
	for id := 1; id <= 12; id++ {
		h, err := PhaseHash(m, id)
		if err != nil {
			return nil, err
		}
		hashes[id] = h
	}
	return hashes, nil
}
