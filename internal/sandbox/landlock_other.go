//go:build !linux

package sandbox

func Supported() bool { return false }

// Apply is a no-op where landlock does not exist.
func (p Policy) Apply() error { return nil }
