//go:build !cgo || !(linux || darwin || freebsd)

package loader

// NativeOpener returns an Opener that always fails: this build cannot load
// native code.
func NativeOpener(abi ABI, requireOwn bool) Opener {
	return func(path string) (Module, error) {
		return nil, ErrNativeUnsupported
	}
}
