package workflow

import "errors"

// ErrInvalidDefinition is returned when a workflow definition fails load-time validation.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

// Stage is a named state of the purchase-order workflow.
type Stage struct {
	Code                string   `yaml:"code" json:"code"`
	Name                string   `yaml:"name" json:"name"`
	Sequence            int      `yaml:"sequence" json:"sequence"`
	Status              string   `yaml:"status" json:"status"`
	AllowedActions      []string `yaml:"allowed_actions" json:"allowed_actions"`
	RequiredPermissions []string `yaml:"required_permissions" json:"required_permissions"`
	Initial             bool     `yaml:"initial" json:"initial"`
	Terminal            bool     `yaml:"terminal" json:"terminal"`
	Editable            bool     `yaml:"editable" json:"editable"`

	// NextStages is derived from transitions and never configured.
	NextStages []string `yaml:"-" json:"next_stages"`
}

// Allows reports whether action is valid while a document sits in the stage.
func (s Stage) Allows(action string) bool {
	for _, a := range s.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Transition is a permission-gated move between stages triggered by an action.
type Transition struct {
	From           string   `yaml:"from" json:"from"`
	To             string   `yaml:"to" json:"to"`
	Action         string   `yaml:"action" json:"action"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
}

// Definition is the versioned configuration document describing the graph.
type Definition struct {
	Version     string       `yaml:"version" json:"version"`
	Stages      []Stage      `yaml:"stages" json:"stages"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// Step is one recorded move used to replay a document's history.
type Step struct {
	FromStage string
	Stage     string
	Action    string
}

// PermissionChecker answers permission questions for one user.
type PermissionChecker interface {
	HasPermission(perm string) bool
	HasStagePermission(stage, perm string) bool
}
