package hooks

import (
	"errors"
	"fmt"
)

// Action is a build step callback. source and target are the build node
// paths the host passes through.
type Action func(source, target string, env Environment) error

// Host is the build system actions are registered with.
type Host interface {
	AddPreAction(target string, a Action)
	AddPostAction(target string, a Action)
}

// BuildDirVar is the placeholder the host expands to the build directory.
const BuildDirVar = "$BUILD_DIR"

// ActionTable is an in-process Host. The CLI registers the runner on it and
// fires the actions when PlatformIO calls back through the extra script.
type ActionTable struct {
	pre  map[string][]Action
	post map[string][]Action
}

// NewActionTable creates an empty table.
func NewActionTable() *ActionTable {
	return &ActionTable{
		pre:  make(map[string][]Action),
		post: make(map[string][]Action),
	}
}

// AddPreAction registers a to run before target is built.
func (t *ActionTable) AddPreAction(target string, a Action) {
	t.pre[target] = append(t.pre[target], a)
}

// AddPostAction registers a to run after target is built.
func (t *ActionTable) AddPostAction(target string, a Action) {
	t.post[target] = append(t.post[target], a)
}

// RunPre runs the pre-actions for target in registration order.
func (t *ActionTable) RunPre(target, source string, env Environment) error {
	return runActions(t.pre[target], "pre", target, source, env)
}

// RunPost runs the post-actions for target in registration order.
func (t *ActionTable) RunPost(target, source string, env Environment) error {
	return runActions(t.post[target], "post", target, source, env)
}

// runActions calls every action even when an earlier one fails.
func runActions(actions []Action, phase, target, source string, env Environment) error {
	if len(actions) == 0 {
		return fmt.Errorf("no %s-actions registered for %s", phase, target)
	}

	var errs []error
	for _, a := range actions {
		if err := a(source, target, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
