package rbac

import (
	"strings"
	"sync/atomic"
)

// PrivilegeList names what counts as administrative-tier access.
// A permission is privileged when its resource or its action is listed;
// a role is privileged when its name is listed or it holds a privileged permission.
type PrivilegeList struct {
	Resources []string `yaml:"resources" json:"resources"`
	Actions   []string `yaml:"actions" json:"actions"`
	RoleNames []string `yaml:"role_names" json:"role_names"`
}

// DefaultPrivilegeList returns the list used when none is configured
func DefaultPrivilegeList() PrivilegeList {
	return PrivilegeList{
		Resources: []string{"ORGANIZATIONS", "AUDIT"},
		Actions:   []string{"ADMIN", "DELETE", "WRITE"},
		RoleNames: []string{RoleOwner, RoleAdmin},
	}
}

type privilegeIndex struct {
	resources map[string]struct{}
	actions   map[string]struct{}
	roleNames map[string]struct{}
}

// PrivilegePolicy classifies permissions and roles as high-privilege.
// The list can be swapped at runtime; readers never block.
type PrivilegePolicy struct {
	index atomic.Pointer[privilegeIndex]
}

// NewPrivilegePolicy creates a policy from a list
func NewPrivilegePolicy(list PrivilegeList) *PrivilegePolicy {
	p := &PrivilegePolicy{}
	p.Update(list)
	return p
}

// Update replaces the privileged list
func (p *PrivilegePolicy) Update(list PrivilegeList) {
	idx := &privilegeIndex{
		resources: toUpperSet(list.Resources),
		actions:   toUpperSet(list.Actions),
		roleNames: make(map[string]struct{}, len(list.RoleNames)),
	}
	for _, name := range list.RoleNames {
		idx.roleNames[NormalizeRoleName(name)] = struct{}{}
	}
	p.index.Store(idx)
}

// IsHighPrivilege reports whether a single permission key is privileged
func (p *PrivilegePolicy) IsHighPrivilege(key PermissionKey) bool {
	idx := p.index.Load()
	if _, ok := idx.resources[key.Resource()]; ok {
		return true
	}
	_, ok := idx.actions[key.Action()]
	return ok
}

// AnyHighPrivilege reports whether any of the keys is privileged
func (p *PrivilegePolicy) AnyHighPrivilege(keys []PermissionKey) bool {
	for _, k := range keys {
		if p.IsHighPrivilege(k) {
			return true
		}
	}
	return false
}

// IsHighPrivilegeRole reports whether a role is privileged by name or by permission set
func (p *PrivilegePolicy) IsHighPrivilegeRole(name string, keys []PermissionKey) bool {
	if _, ok := p.index.Load().roleNames[NormalizeRoleName(name)]; ok {
		return true
	}
	return p.AnyHighPrivilege(keys)
}

func toUpperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
