package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"path/filepath"
	"sort"
)

// FingerprintInput collects everything that identifies a task for caching.
// Two tasks with equal inputs hash identically and may share a cached result.
type FingerprintInput struct {
	Script    string
	Container string
	Env       map[string]string
	// Inputs maps staged input names to their content digests.
	Inputs map[string]string
}

// Fingerprint computes the content hash of a task: a hex sha256 over a
// length-prefixed encoding of the script, container image, environment and
// staged inputs. Map entries are folded in sorted key order so the digest is
// stable across runs.
func Fingerprint(in FingerprintInput) string {
	h := sha256.New()
	hashField(h, in.Script)
	hashField(h, in.Container)
	for _, k := range sortedKeys(in.Env) {
		hashField(h, k)
		hashField(h, in.Env[k])
	}
	for _, name := range sortedKeys(in.Inputs) {
		hashField(h, name)
		hashField(h, in.Inputs[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashField writes a length prefix before the value so adjacent fields cannot
// collide across boundaries.
func hashField(w io.Writer, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	w.Write(n[:])
	io.WriteString(w, s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BucketPath returns the work directory for a hash under root. The first two
// hex characters form a bucket directory so a large run does not pile every
// task into one directory: <root>/4e/ddc58c2c....
func BucketPath(root, hash string) string {
	if len(hash) < 3 {
		return filepath.Join(root, hash)
	}
	return filepath.Join(root, hash[:2], hash[2:])
}
