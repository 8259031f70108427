package workflow

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type transitionKey struct {
	from   string
	action string
}

// Graph is a validated, immutable workflow definition.
type Graph struct {
	version     string
	initial     string
	stages      map[string]Stage
	ordered     []Stage
	transitions map[transitionKey]Transition
	edges       []Transition
}

// Compile normalises def and validates it. Every problem found is reported
// in the returned error, which wraps ErrInvalidDefinition.
func Compile(def Definition) (*Graph, error) {
	g := &Graph{
		version:     strings.TrimSpace(def.Version),
		stages:      make(map[string]Stage, len(def.Stages)),
		transitions: make(map[transitionKey]Transition, len(def.Transitions)),
	}
	var issues []string
	addIssue := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}
	if len(def.Stages) == 0 {
		addIssue("no stages defined")
	}

	title := cases.Title(language.English)
	sequences := make(map[int]string, len(def.Stages))
	for _, raw := range def.Stages {
		st := normalizeStage(raw, title)
		if st.Code == "" {
			addIssue("stage with empty code (sequence %d)", st.Sequence)
			continue
		}
		if _, dup := g.stages[st.Code]; dup {
			addIssue("duplicate stage %s", st.Code)
			continue
		}
		if other, dup := sequences[st.Sequence]; dup {
			addIssue("stages %s and %s share sequence %d", other, st.Code, st.Sequence)
		}
		sequences[st.Sequence] = st.Code
		if st.Initial {
			if g.initial != "" {
				addIssue("stages %s and %s are both initial", g.initial, st.Code)
			} else {
				g.initial = st.Code
			}
		}
		if st.Initial && st.Terminal {
			addIssue("stage %s cannot be both initial and terminal", st.Code)
		}
		g.stages[st.Code] = st
	}
	if len(g.stages) > 0 && g.initial == "" {
		addIssue("no initial stage")
	}

	for _, raw := range def.Transitions {
		t := normalizeTransition(raw)
		from, okFrom := g.stages[t.From]
		_, okTo := g.stages[t.To]
		switch {
		case !okFrom:
			addIssue("transition %s references unknown stage %s", t.Action, t.From)
			continue
		case !okTo:
			addIssue("transition %s references unknown stage %s", t.Action, t.To)
			continue
		case t.Action == "":
			addIssue("transition %s -> %s has no action", t.From, t.To)
			continue
		case t.From == t.To:
			addIssue("transition %s on %s loops to itself", t.Action, t.From)
			continue
		case from.Terminal:
			addIssue("terminal stage %s has outgoing transition %s", t.From, t.Action)
			continue
		case !from.Allows(t.Action):
			addIssue("action %s is not allowed in stage %s", t.Action, t.From)
			continue
		}
		key := transitionKey{from: t.From, action: t.Action}
		if existing, dup := g.transitions[key]; dup {
			addIssue("stage %s maps action %s to both %s and %s", t.From, t.Action, existing.To, t.To)
			continue
		}
		g.transitions[key] = t
		g.edges = append(g.edges, t)
	}

	if g.initial != "" {
		issues = append(issues, g.checkReachability()...)
	}
	if len(issues) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(issues, "; "))
	}

	next := make(map[string][]string, len(g.stages))
	for _, t := range g.edges {
		next[t.From] = append(next[t.From], t.To)
	}
	for code, st := range g.stages {
		targets := next[code]
		sort.Slice(targets, func(i, j int) bool {
			return g.stages[targets[i]].Sequence < g.stages[targets[j]].Sequence
		})
		st.NextStages = targets
		g.stages[code] = st
		g.ordered = append(g.ordered, st)
	}
	sort.Slice(g.ordered, func(i, j int) bool { return g.ordered[i].Sequence < g.ordered[j].Sequence })
	return g, nil
}

// checkReachability reports stages unreachable from the initial stage,
// non-terminal dead ends, and stages that cannot reach any terminal stage.
func (g *Graph) checkReachability() []string {
	forward := make(map[string][]string)
	backward := make(map[string][]string)
	for _, t := range g.edges {
		forward[t.From] = append(forward[t.From], t.To)
		backward[t.To] = append(backward[t.To], t.From)
	}
	reached := walk([]string{g.initial}, forward)

	var terminals []string
	for code, st := range g.stages {
		if st.Terminal {
			terminals = append(terminals, code)
		}
	}
	canFinish := walk(terminals, backward)

	var issues []string
	codes := make([]string, 0, len(g.stages))
	for code := range g.stages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		st := g.stages[code]
		if !reached[code] {
			issues = append(issues, fmt.Sprintf("stage %s is unreachable from %s", code, g.initial))
		}
		if !st.Terminal && len(forward[code]) == 0 {
			issues = append(issues, fmt.Sprintf("non-terminal stage %s has no outgoing transition", code))
			continue
		}
		if !canFinish[code] {
			issues = append(issues, fmt.Sprintf("stage %s cannot reach a terminal stage", code))
		}
	}
	return issues
}

func walk(start []string, adj map[string][]string) map[string]bool {
	seen := make(map[string]bool, len(adj))
	queue := append([]string(nil), start...)
	for _, s := range start {
		seen[s] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj[cur] {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return seen
}

func normalizeStage(st Stage, title cases.Caser) Stage {
	st.Code = strings.ToUpper(strings.TrimSpace(st.Code))
	st.Name = strings.TrimSpace(st.Name)
	if st.Name == "" {
		st.Name = title.String(strings.ToLower(strings.ReplaceAll(st.Code, "_", " ")))
	}
	st.Status = strings.TrimSpace(st.Status)
	if st.Status == "" {
		st.Status = strings.ToLower(st.Code)
	}
	st.AllowedActions = normalizeSet(st.AllowedActions)
	st.RequiredPermissions = normalizeSet(st.RequiredPermissions)
	st.NextStages = nil
	return st
}

func normalizeTransition(t Transition) Transition {
	t.From = strings.ToUpper(strings.TrimSpace(t.From))
	t.To = strings.ToUpper(strings.TrimSpace(t.To))
	t.Action = strings.ToLower(strings.TrimSpace(t.Action))
	fields := make([]string, 0, len(t.RequiredFields))
	seen := make(map[string]struct{}, len(t.RequiredFields))
	for _, f := range t.RequiredFields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	t.RequiredFields = fields
	return t
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Version returns the definition version the graph was compiled from.
func (g *Graph) Version() string {
	return g.version
}

// Initial returns the stage every new document starts in.
func (g *Graph) Initial() Stage {
	return g.stages[g.initial]
}

// Stage looks up a stage by code.
func (g *Graph) Stage(code string) (Stage, bool) {
	st, ok := g.stages[code]
	return st, ok
}

// Stages returns every stage ordered by sequence.
func (g *Graph) Stages() []Stage {
	return append([]Stage(nil), g.ordered...)
}

// Transitions returns every transition in definition order.
func (g *Graph) Transitions() []Transition {
	return append([]Transition(nil), g.edges...)
}

// Lookup returns the unique transition leaving from for action.
func (g *Graph) Lookup(from, action string) (Transition, bool) {
	t, ok := g.transitions[transitionKey{from: from, action: action}]
	return t, ok
}

// Definition reconstructs the normalised definition, suitable for persisting.
func (g *Graph) Definition() Definition {
	return Definition{Version: g.version, Stages: g.Stages(), Transitions: g.Transitions()}
}

// CanPerform reports whether the checker may perform action on a document in
// stageCode. Unknown stages, actions outside the stage's allowed set and
// missing permissions all deny.
func (g *Graph) CanPerform(checker PermissionChecker, stageCode, action string) bool {
	if g == nil || checker == nil {
		return false
	}
	st, ok := g.stages[stageCode]
	if !ok || !st.Allows(action) {
		return false
	}
	for _, perm := range st.RequiredPermissions {
		if !checker.HasPermission(perm) && !checker.HasStagePermission(st.Code, perm) {
			return false
		}
	}
	return true
}

// Replay walks steps from the initial stage and returns the stage reached.
// It fails if any step does not follow a defined transition.
func (g *Graph) Replay(steps []Step) (string, error) {
	cur := g.initial
	for i, step := range steps {
		if step.FromStage != "" && step.FromStage != cur {
			return cur, fmt.Errorf("workflow: step %d starts at %s, expected %s", i+1, step.FromStage, cur)
		}
		t, ok := g.Lookup(cur, step.Action)
		if !ok {
			return cur, fmt.Errorf("workflow: step %d: no %s transition from %s", i+1, step.Action, cur)
		}
		if t.To != step.Stage {
			return cur, fmt.Errorf("workflow: step %d: %s from %s leads to %s, history says %s", i+1, step.Action, cur, t.To, step.Stage)
		}
		cur = t.To
	}
	return cur, nil
}
