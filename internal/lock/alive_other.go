//go:build !unix

package lock

// processAlive cannot probe other processes here; staleness falls back to lock age.
func processAlive(int) bool {
	return true
}
