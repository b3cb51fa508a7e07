//go:build cgo && (linux || darwin || freebsd)

package loader

/*
#cgo linux LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stdlib.h>

typedef char *(*helix_execute_fn)(const char *);
typedef void (*helix_free_fn)(char *);

static char *helix_call_execute(void *fn, const char *args) {
	return ((helix_execute_fn)fn)(args);
}

static void helix_call_free(void *fn, char *p) {
	((helix_free_fn)fn)(p);
}

static const char *helix_symbol_origin(void *sym) {
	Dl_info info;
	if (dladdr(sym, &info) == 0) {
		return NULL;
	}
	return info.dli_fname;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"helix/internal/logging"
)

type nativeModule struct {
	path   string
	handle unsafe.Pointer
	exec   unsafe.Pointer
	free   unsafe.Pointer
	once   sync.Once
}

// NativeOpener returns an Opener backed by dlopen. With requireOwn, both
// symbols must be defined by the artifact itself; dlsym on a library handle
// also searches its dependencies, so a missing "free" would otherwise bind
// to libc's.
func NativeOpener(abi ABI, requireOwn bool) Opener {
	return func(path string) (Module, error) {
		return openNative(path, abi, requireOwn)
	}
}

func openNative(path string, abi ABI, requireOwn bool) (Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", abs)
	}

	// dlerror state is per thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpath := C.CString(abs)
	defer C.free(unsafe.Pointer(cpath))

	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("dlopen: %s", dlerror())
	}

	m := &nativeModule{path: abs, handle: h}
	if m.exec, err = lookup(h, abi.ExecuteSymbol); err == nil {
		m.free, err = lookup(h, abi.FreeSymbol)
	}
	if err == nil && requireOwn {
		err = ownSymbol(fi, abi.ExecuteSymbol, m.exec)
		if err == nil {
			err = ownSymbol(fi, abi.FreeSymbol, m.free)
		}
	}
	if err != nil {
		C.dlclose(h)
		return nil, err
	}
	logging.LoaderDebug("dlopen %s: %s and %s resolved", abs, abi.ExecuteSymbol, abi.FreeSymbol)
	return m, nil
}

func lookup(h unsafe.Pointer, name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	C.dlerror()
	sym := C.dlsym(h, cname)
	if sym == nil {
		if msg := dlerror(); msg != "" {
			return nil, fmt.Errorf("%w: %s (%s)", ErrMissingSymbol, name, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingSymbol, name)
	}
	return sym, nil
}

func ownSymbol(artifact os.FileInfo, name string, sym unsafe.Pointer) error {
	origin := C.helix_symbol_origin(sym)
	if origin == nil {
		return fmt.Errorf("%w: %s (dladdr failed)", ErrForeignSymbol, name)
	}
	owner := C.GoString(origin)
	ofi, err := os.Stat(owner)
	if err != nil || !os.SameFile(artifact, ofi) {
		return fmt.Errorf("%w: %s is defined by %s", ErrForeignSymbol, name, owner)
	}
	return nil
}

func dlerror() string {
	msg := C.dlerror()
	if msg == nil {
		return ""
	}
	return C.GoString(msg)
}

func (m *nativeModule) Call(args []byte) ([]byte, bool) {
	cargs := C.CString(string(args))
	defer C.free(unsafe.Pointer(cargs))

	res := C.helix_call_execute(m.exec, cargs)
	if res == nil {
		return nil, false
	}
	out := C.GoString(res)
	C.helix_call_free(m.free, res)
	return []byte(out), true
}

func (m *nativeModule) Close() error {
	var err error
	m.once.Do(func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if C.dlclose(m.handle) != 0 {
			err = errors.New("dlclose: " + dlerror())
		}
	})
	return err
}
