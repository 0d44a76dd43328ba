package modkernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/modkernel/command"
)

// Static errors for pause controller BDD steps
var (
	errComponentNotFound   = errors.New("component not registered in scenario")
	errUnexpectedPauseCode = errors.New("unexpected return code")
	errExpectedFailure     = errors.New("expected the request to fail")
)

// PauseControllerBDDTestContext holds the state of one scenario.
type PauseControllerBDDTestContext struct {
	controller *PauseController
	components map[string][]*fakeComponent
	registered int
	result     PauseResult
	lastError  error
}

func (ctx *PauseControllerBDDTestContext) resetContext() {
	ctx.controller = NewPauseController(nil)
	ctx.components = make(map[string][]*fakeComponent)
	ctx.registered = 0
	ctx.result = PauseResult{}
	ctx.lastError = nil
}

func (ctx *PauseControllerBDDTestContext) aPauseController() error {
	ctx.resetContext()
	return nil
}

func (ctx *PauseControllerBDDTestContext) pausableComponentsAreRegistered(names string) error {
	for _, name := range strings.Split(names, ",") {
		ctx.registered++
		fc := newFakeComponent(name)
		ctx.components[name] = append(ctx.components[name], fc)
		ctx.controller.Add(fmt.Sprintf("pausable.%d", ctx.registered), fc)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) componentFailsToPause(name string) error {
	list, ok := ctx.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", errComponentNotFound, name)
	}
	for _, fc := range list {
		fc.failWith = fmt.Errorf("%s refuses to pause", name)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) iPauseTargets(targets string) error {
	ctx.result, ctx.lastError = ctx.controller.PauseTargets(context.Background(), targets)
	return nil
}

func (ctx *PauseControllerBDDTestContext) iPauseAllComponents() error {
	ctx.result, ctx.lastError = ctx.controller.Pause(context.Background())
	return nil
}

func (ctx *PauseControllerBDDTestContext) iResumeAllComponents() error {
	ctx.result, ctx.lastError = ctx.controller.Resume(context.Background())
	return nil
}

func (ctx *PauseControllerBDDTestContext) componentShouldBePaused(name string) error {
	return ctx.componentsShouldBePaused(name)
}

func (ctx *PauseControllerBDDTestContext) componentsShouldBePaused(names string) error {
	return ctx.checkPaused(names, true)
}

func (ctx *PauseControllerBDDTestContext) componentsShouldNotBePaused(names string) error {
	return ctx.checkPaused(names, false)
}

func (ctx *PauseControllerBDDTestContext) checkPaused(names string, want bool) error {
	for _, name := range strings.Split(names, ",") {
		list, ok := ctx.components[name]
		if !ok {
			return fmt.Errorf("%w: %s", errComponentNotFound, name)
		}
		if got := list[0].IsPaused(); got != want {
			return fmt.Errorf("component %s paused=%v, expected %v", name, got, want)
		}
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) componentShouldHaveBeenPausedOnce(name string) error {
	total := 0
	for _, fc := range ctx.components[name] {
		pauses, _ := fc.counts()
		total += pauses
	}
	if total != 1 {
		return fmt.Errorf("component %s paused %d times, expected once", name, total)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) theRequestShouldReportMissingTargets(targets string) error {
	want := strings.Split(targets, ",")
	if strings.Join(ctx.result.Missing, ",") != strings.Join(want, ",") {
		return fmt.Errorf("missing targets %v, expected %v", ctx.result.Missing, want)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) theRequestShouldFailWithNoPausableComponents() error {
	if !errors.Is(ctx.lastError, ErrNoPausableComponents) {
		return fmt.Errorf("%w: got %v", errExpectedFailure, ctx.lastError)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) theRequestShouldFailWithInvalidTargets() error {
	if !errors.Is(ctx.lastError, ErrInvalidTargets) {
		return fmt.Errorf("%w: got %v", errExpectedFailure, ctx.lastError)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) theRequestShouldFailNamingComponent(name string) error {
	var pe *PauseError
	if !errors.As(ctx.lastError, &pe) {
		return fmt.Errorf("%w: got %v", errExpectedFailure, ctx.lastError)
	}
	if _, ok := pe.Failures[name]; !ok {
		return fmt.Errorf("failure for %s not reported: %v", name, pe)
	}
	return nil
}

func (ctx *PauseControllerBDDTestContext) theReturnCodeShouldBe(code int) error {
	var got command.ReturnCode
	switch {
	case ctx.lastError != nil:
		got = command.ReturnPauseFailed
	case ctx.result.MissingError() != nil:
		got = command.ReturnPartial
	default:
		got = command.ReturnOK
	}
	if got != command.ReturnCode(code) {
		return fmt.Errorf("%w: got %d, expected %d", errUnexpectedPauseCode, got, code)
	}
	return nil
}

// InitializePauseControllerScenario wires the pause controller steps.
func InitializePauseControllerScenario(s *godog.ScenarioContext) {
	ctx := &PauseControllerBDDTestContext{}

	s.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		ctx.resetContext()
		return c, nil
	})

	s.Step(`^a pause controller$`, ctx.aPauseController)
	s.Step(`^pausable components "([^"]*)" are registered$`, ctx.pausableComponentsAreRegistered)
	s.Step(`^component "([^"]*)" fails to pause$`, ctx.componentFailsToPause)

	s.Step(`^I pause targets "([^"]*)"$`, ctx.iPauseTargets)
	s.Step(`^I pause all components$`, ctx.iPauseAllComponents)
	s.Step(`^I resume all components$`, ctx.iResumeAllComponents)

	s.Step(`^component "([^"]*)" should be paused$`, ctx.componentShouldBePaused)
	s.Step(`^components "([^"]*)" should be paused$`, ctx.componentsShouldBePaused)
	s.Step(`^components "([^"]*)" should not be paused$`, ctx.componentsShouldNotBePaused)
	s.Step(`^component "([^"]*)" should have been paused once$`, ctx.componentShouldHaveBeenPausedOnce)
	s.Step(`^the request should report missing targets "([^"]*)"$`, ctx.theRequestShouldReportMissingTargets)
	s.Step(`^the request should fail with no pausable components$`, ctx.theRequestShouldFailWithNoPausableComponents)
	s.Step(`^the request should fail with invalid targets$`, ctx.theRequestShouldFailWithInvalidTargets)
	s.Step(`^the request should fail naming component "([^"]*)"$`, ctx.theRequestShouldFailNamingComponent)
	s.Step(`^the return code should be (\d+)$`, ctx.theReturnCodeShouldBe)
}

// TestPauseControllerBDD runs the pause controller feature.
func TestPauseControllerBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializePauseControllerScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/pause_controller.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run pause controller feature tests")
	}
}
