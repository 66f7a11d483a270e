//go:build !darwin && !linux

package storage

func filesystemName(string) (string, error) {
	return "", errFSUnknown
}
