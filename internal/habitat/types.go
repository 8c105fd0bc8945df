package habitat

// SourceLayer identifies which configuration layer a fragment came from.
type SourceLayer string

const (
	LayerSystem  SourceLayer = "system"
	LayerShared  SourceLayer = "shared"
	LayerHabitat SourceLayer = "habitat"
)

// RawConfig is the direct YAML decoding of a single layer file, before
// merging or env expansion.
type RawConfig struct {
	Name      string        `yaml:"name"`
	BaseImage string        `yaml:"base_image"`
	Dockerfile string       `yaml:"dockerfile"`
	Env       []string      `yaml:"env"`
	Files     []FileOp      `yaml:"files"`
	Volumes   []VolumeOp    `yaml:"volumes"`
	Scripts   []ScriptOp    `yaml:"scripts"`
	Repos     []RepoOp      `yaml:"repos"`
	Tools     []string      `yaml:"tools"`
	VerifyFS  VerifyFS      `yaml:"verify-fs"`
	Tests     []string      `yaml:"tests"`
	Entry     RawEntrySpec  `yaml:"entry"`
}

// RawEntrySpec is entry's direct YAML decoding. StartupDelay is a pointer
// so a layer can distinguish "not declared" from an explicit 0 (disabling
// the startup wait a lower layer configured), preserving scalar
// last-writer-wins semantics (§4.2) even at the zero value.
type RawEntrySpec struct {
	InitCommand  string `yaml:"init_command"`
	StartupDelay *int   `yaml:"startup_delay"`
	Command      string `yaml:"command"`
}

// FileOp is one `files` entry.
type FileOp struct {
	Src    string `yaml:"src"`
	Dest   string `yaml:"dest"`
	Mode   string `yaml:"mode"`
	Owner  string `yaml:"owner"`
	Before string `yaml:"before"`
	After  string `yaml:"after"`

	SourceLayer SourceLayer `yaml:"-"`
}

// VolumeOp is one `volumes` entry; consumed only at session launch.
type VolumeOp struct {
	Source   string `yaml:"source"`
	Dest     string `yaml:"dest"`
	ReadOnly bool   `yaml:"readonly"`
}

// ScriptOp is one `scripts` entry.
type ScriptOp struct {
	RunAs    string   `yaml:"run_as"`
	Commands []string `yaml:"commands"`
	Before   string   `yaml:"before"`
	After    string   `yaml:"after"`

	SourceLayer SourceLayer `yaml:"-"`
}

// RepoOp is one `repos` entry.
type RepoOp struct {
	URL    string `yaml:"url"`
	Path   string `yaml:"path"`
	Branch string `yaml:"branch"`
	Access string `yaml:"access"` // "read" or "write"
	Owner  string `yaml:"owner"`
}

const (
	AccessRead  = "read"
	AccessWrite = "write"
)

// VerifyFS is the phase-10 verification spec.
type VerifyFS struct {
	RequiredFiles []string `yaml:"required_files"`
}

// EntrySpec configures the session runtime's launch behavior.
type EntrySpec struct {
	InitCommand   string `yaml:"init_command"`
	StartupDelay  int    `yaml:"startup_delay"`
	Command       string `yaml:"command"`
}

// MergedConfig is the fully merged, env-expanded habitat configuration: the
// output of C2, and the sole input to C3 (hashing) and C8 (the pipeline).
type MergedConfig struct {
	Name       string
	BaseImage  string
	Dockerfile string
	Env        []EnvBinding
	Files      []FileOp
	Volumes    []VolumeOp
	Scripts    []ScriptOp
	Repos      []RepoOp
	Tools      []string
	VerifyFS   VerifyFS
	Tests      []string
	Entry      EntrySpec

	WorkDir string // derived from env.WORKDIR
	User    string // derived from env.USER
}

// EnvBinding is one resolved KEY=VALUE pair, in the order it was declared.
type EnvBinding struct {
	Key         string
	Value       string
	SourceLayer SourceLayer
}

// Lookup returns the resolved value for key, and whether it was bound.
func (m *MergedConfig) Lookup(key string) (string, bool) {
	for i := len(m.Env) - 1; i >= 0; i-- {
		if m.Env[i].Key == key {
			return m.Env[i].Value, true
		}
	}
	return "", false
}
