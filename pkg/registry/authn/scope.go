package authn

import (
	"context"
	"slices"
	"strings"
)

// Actions used in scope strings.
const (
	// ActionPull represents generic read access for resources of the
	// repository type.
	ActionPull = "pull"
	// ActionPush represents generic write access for resources of the
	// repository type.
	ActionPush = "push"
)

// RepositoryScope returns a scope string for the given repository and
// actions, e.g. "repository:library/nginx:pull".
func RepositoryScope(repository string, actions ...string) string {
	actions = cleanActions(actions)
	if repository == "" || len(actions) == 0 {
		return ""
	}
	return "repository:" + repository + ":" + strings.Join(actions, ",")
}

type scopesContextKey struct{}

// WithScopes returns a context with the scopes replaced.
func WithScopes(ctx context.Context, scopes ...string) context.Context {
	return context.WithValue(ctx, scopesContextKey{}, CleanScopes(scopes))
}

// AppendScopes appends scopes to the ones already hinted in the context.
func AppendScopes(ctx context.Context, scopes ...string) context.Context {
	if len(scopes) == 0 {
		return ctx
	}
	return WithScopes(ctx, append(GetScopes(ctx), scopes...)...)
}

// GetScopes returns the scopes hinted in the context.
func GetScopes(ctx context.Context) []string {
	if scopes, ok := ctx.Value(scopesContextKey{}).([]string); ok {
		return slices.Clone(scopes)
	}
	return nil
}

// CleanScopes merges and sorts scope strings, combining the actions of
// scopes naming the same resource and dropping empty entries.
func CleanScopes(scopes []string) []string {
	// resource -> set of actions
	byResource := map[string]map[string]struct{}{}
	var flat []string
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		i := strings.LastIndex(scope, ":")
		if i == -1 {
			flat = append(flat, scope)
			continue
		}
		resource, actionList := scope[:i], scope[i+1:]
		actions := cleanActions(strings.Split(actionList, ","))
		if len(actions) == 0 {
			continue
		}
		set, ok := byResource[resource]
		if !ok {
			set = map[string]struct{}{}
			byResource[resource] = set
		}
		for _, a := range actions {
			set[a] = struct{}{}
		}
	}

	for resource, set := range byResource {
		if _, all := set["*"]; all {
			flat = append(flat, resource+":*")
			continue
		}
		actions := make([]string, 0, len(set))
		for a := range set {
			actions = append(actions, a)
		}
		slices.Sort(actions)
		flat = append(flat, resource+":"+strings.Join(actions, ","))
	}
	slices.Sort(flat)
	return slices.Compact(flat)
}

func cleanActions(actions []string) []string {
	cleaned := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return []string{"*"}
		}
		cleaned = append(cleaned, a)
	}
	slices.Sort(cleaned)
	return slices.Compact(cleaned)
}
