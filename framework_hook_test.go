package modkernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleStacks = `goroutine 1 [running]:
main.main()
	/src/cmd/server/main.go:12 +0x1d

goroutine 7 [semacquire]:
sync.runtime_Semacquire(0xc0000a2018?)
	/usr/local/go/src/runtime/sema.go:62 +0x25
github.com/GoCodeAlone/modkernel/lifecycle.(*ExitHooks).Run(0xc0000a2000)
	/src/lifecycle/exithooks.go:126 +0x1a5
github.com/GoCodeAlone/modkernel/lifecycle.(*ExitHooks).Exit(0xc0000a2000, 0x2)
	/src/lifecycle/exithooks.go:136 +0x1e
example.com/plugin.(*Watchdog).fail(0xc0001b4000, {0x7a1c80, 0xc000010250})
	/src/plugin/watchdog.go:88 +0x5a
created by example.com/plugin.(*Watchdog).Start in goroutine 1
	/src/plugin/watchdog.go:40 +0x85
`

func TestExitCaller(t *testing.T) {
	caller, found := exitCaller(sampleStacks)
	assert.True(t, found)
	assert.Equal(t, "example.com/plugin.(*Watchdog).fail", caller)
}

func TestExitCaller_Signal(t *testing.T) {
	stacks := `goroutine 9 [semacquire]:
github.com/GoCodeAlone/modkernel/lifecycle.(*ExitHooks).Exit(0xc0000a2000, 0x8f)
	/src/lifecycle/exithooks.go:136 +0x1e
github.com/GoCodeAlone/modkernel/lifecycle.(*ExitHooks).HandleSignals.func1()
	/src/lifecycle/exithooks.go:163 +0x9a
`
	caller, found := exitCaller(stacks)
	assert.True(t, found)
	assert.Contains(t, caller, "(*ExitHooks).HandleSignals")
}

func TestExitCaller_NotFound(t *testing.T) {
	_, found := exitCaller("goroutine 1 [running]:\nmain.main()\n\t/src/main.go:3 +0x1\n")
	assert.False(t, found)
}

func TestFrameFunction(t *testing.T) {
	assert.Equal(t, "main.main", frameFunction("main.main()"))
	assert.Equal(t, "pkg.(*T).m", frameFunction("pkg.(*T).m(0xc000, 0x1)"))
	assert.Equal(t, "no-parens", frameFunction("no-parens"))
}
