package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/visionworks/inferd/pkg/contract"
)

// Constructor builds one fresh native model instance. A constructor is
// registered per inference entry-point name; every Open call invokes it
// again so instances never share state.
type Constructor func() (Model, error)

// nativeFactory executes models compiled into the runtime binary. The
// contract's inference entry point selects the registered constructor.
type nativeFactory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

var native = &nativeFactory{constructors: make(map[string]Constructor)}

func init() {
	RegisterFactory(native)
}

// RegisterNativeModel binds a constructor to an inference entry-point
// name. Used by built-in reference models and by tests.
func RegisterNativeModel(entryPoint string, c Constructor) {
	native.mu.Lock()
	defer native.mu.Unlock()
	native.constructors[entryPoint] = c
}

// UnregisterNativeModel removes a constructor binding.
func UnregisterNativeModel(entryPoint string) {
	native.mu.Lock()
	defer native.mu.Unlock()
	delete(native.constructors, entryPoint)
}

func (f *nativeFactory) Kind() contract.RuntimeKind { return contract.RuntimeNative }

func (f *nativeFactory) Open(_ context.Context, desc *contract.Descriptor) (Model, error) {
	f.mu.RLock()
	c, ok := f.constructors[desc.EntryPoints.Inference]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no native model registered for entry point %q", desc.EntryPoints.Inference)
	}
	return c()
}
