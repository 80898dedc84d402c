// Package auth defines the narrow authorization coordinator interface the
// engine consults before submitting or acting on a task. Full authz policy engines are
// explicitly out of scope; this package only specifies the
// interface and a disabled-by-default stub implementation.
package auth

import (
	"context"
	"fmt"

	"github.com/taskforge/workflowengine/internal/config"
	"github.com/taskforge/workflowengine/internal/model"
)

// Resource/action pairs the engine itself checks against. The rest of the
// resource registry belongs to the caller's domain and is validated the
// same way.
const (
	ResourceTask = "task"

	ActionSubmit  = "submit"
	ActionCancel  = "cancel"
	ActionResolve = "resolve_manually"
)

// knownPairs is the resource registry Can/Authorize validate against: a
// (resource, action) pair not listed here is rejected with ArgumentError
// rather than silently allowed or denied.
var knownPairs = map[string]map[string]bool{
	ResourceTask: {ActionSubmit: true, ActionCancel: true, ActionResolve: true},
}

// ArgumentError reports a (resource, action) pair absent from the registry.
type ArgumentError struct {
	Resource string
	Action   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("auth: unknown resource/action pair %s/%s", e.Resource, e.Action)
}

// Coordinator is the authorization collaborator interface.
// Resources and actions are validated against the resource registry before
// Can/Authorize ever consult policy; unknown pairs raise *ArgumentError.
type Coordinator interface {
	// Can reports whether ctx's caller may perform action on resource. When
	// authorization is disabled in configuration, Can returns true
	// unconditionally.
	Can(ctx context.Context, resource, action string, actionCtx ActionContext) (bool, error)

	// Authorize is the enforcing counterpart of Can: it returns
	// *model.Unauthorized when the caller may not perform action on
	// resource.
	Authorize(ctx context.Context, resource, action string, actionCtx ActionContext) error
}

// ActionContext carries the identity and subject the coordinator evaluates
// policy against.
type ActionContext struct {
	Initiator string
	TaskID    string
}

// AllowAll is the disabled-strategy Coordinator: every known
// (resource, action) pair is permitted unconditionally, but the pair is
// still validated against the registry so callers catch typos regardless of
// whether enforcement is on.
type AllowAll struct {
	cfg config.AuthConfig
}

// NewAllowAll builds the disabled-strategy Coordinator. A deployment that
// needs real enforcement injects its own Coordinator instead;
// cfg.CoordinatorClass names the concrete collaborator to wire.
func NewAllowAll(cfg config.AuthConfig) *AllowAll {
	return &AllowAll{cfg: cfg}
}

func (a *AllowAll) Can(_ context.Context, resource, action string, _ ActionContext) (bool, error) {
	if !knownPairs[resource][action] {
		return false, &ArgumentError{Resource: resource, Action: action}
	}
	return true, nil
}

func (a *AllowAll) Authorize(ctx context.Context, resource, action string, actionCtx ActionContext) error {
	ok, err := a.Can(ctx, resource, action, actionCtx)
	if err != nil {
		return err
	}
	if !ok {
		return &model.Unauthorized{Resource: resource, Action: action}
	}
	return nil
}
