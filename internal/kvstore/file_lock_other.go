//go:build !unix

package kvstore

// No advisory locking outside unix; rename is still atomic per process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
