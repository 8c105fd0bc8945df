package habitat

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/tobischo/gokeepasslib/v3"
	"github.com/zalando/go-keyring"
)

// keyringGet and keyringSet are package-level vars so preflight and session
// tests can substitute a fake credential store instead of touching the real
// OS keychain, the same swappable-var pattern used throughout this package.
var (
	keyringGet = keyring.Get
	keyringSet = keyring.Set
)

// VaultEntry is one decrypted credential pulled from a KeePass database:
// a deploy key or token destined to become a strict-mode files entry.
type VaultEntry struct {
	Title   string
	Content []byte
}

// LoadVault opens a KeePass (.kdbx) database and returns every entry whose
// group's own name equals groupName (an empty groupName takes the entries of
// every group), decrypting attached binary payloads (the
// private key material) rather than the visible password field.
//
// Per the credential-handling constraint this system inherits: vault
// entries only ever become ordinary `files` entries with strict mode bits.
// They are never written into snapshot labels, logs, or environment
// variables; phase 6 is the only path a secret takes into a container.
func LoadVault(path, masterPassword, groupName string) ([]VaultEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vault %s: %w", path, err)
	}
	defer f.Close()

	db := gokeepasslib.NewDatabase()
	db.Credentials = gokeepasslib.NewPasswordCredentials(masterPassword)
	if err := gokeepasslib.NewDecoder(f).Decode(db); err != nil {
		return nil, fmt.Errorf("decoding vault %s: %w", path, err)
	}
	if err := db.UnlockProtectedEntries(); err != nil {
		return nil, fmt.Errorf("unlocking vault %s: %w", path, err)
	}

	var entries []VaultEntry
	for _, group := range db.Content.Root.Groups {
		collectVaultEntries(db, group, groupName, &entries)
	}
	return entries, nil
}

func collectVaultEntries(db *gokeepasslib.Database, group gokeepasslib.Group, groupName string, out *[]VaultEntry) {
	if groupName == "" || group.Name == groupName {
		for _, e := range group.Entries {
			content, err := entryBinaryContent(db, e)
			if err != nil {
				logrus.WithField("entry", e.GetTitle()).WithError(err).Warn("skipping vault entry: unreadable binary attachment")
				continue
			}
			if content == nil {
				continue
			}
			*out = append(*out, VaultEntry{Title: e.GetTitle(), Content: content})
		}
	}
	for _, sub := range group.Groups {
		collectVaultEntries(db, sub, groupName, out)
	}
}

// entryBinaryContent returns the decrypted bytes of an entry's first
// attached binary — the deploy key or token file a vault entry carries.
// Entries with no attachment contribute nothing; the visible password
// field is never read as credential material. db.FindBinary resolves the
// reference against whichever pool backs it (KDBX4's InnerHeader or KDBX
// 3.1's Meta), so callers never need to know the database version.
func entryBinaryContent(db *gokeepasslib.Database, e gokeepasslib.Entry) ([]byte, error) {
	if len(e.Binaries) == 0 {
		return nil, nil
	}
	ref := e.Binaries[0]
	bin := db.FindBinary(ref.Value.ID)
	if bin == nil {
		return nil, fmt.Errorf("entry %q references missing binary %d", e.GetTitle(), ref.Value.ID)
	}
	return bin.GetContentBytes()
}

// MaterializeVaultEntry writes a decrypted vault entry to a private
// temporary file on the host (0600) and returns the FileOp that carries it
// into the container at dest, also with 0600. The temp file is the only
// on-disk trace of the secret outside the container and the caller should
// remove it once the files phase completes.
func MaterializeVaultEntry(entry VaultEntry, dest, owner string) (FileOp, string, error) {
	tmp, err := os.CreateTemp("", "habitat-cred-*")
	if err != nil {
		return FileOp{}, "", fmt.Errorf("staging credential %s: %w", entry.Title, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return FileOp{}, "", err
	}
	if _, err := tmp.Write(entry.Content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return FileOp{}, "", err
	}
	tmp.Close()

	return FileOp{
		Src:   tmp.Name(),
		Dest:  dest,
		Mode:  "0600",
		Owner: owner,
	}, tmp.Name(), nil
}

// StoreAPIToken saves a hosting-API token in the OS credential store, used
// once by whatever bootstrap step first captures it; preflight's write-mode
// probe only ever reads it back via keyringGet.
func StoreAPIToken(account, token string) error {
	return keyringSet(keyringService, account, token)
}
