package taxonomy

import (
	"slices"
	"strings"
)

// Department is a closed set of deployment scopes. A department
// deployment only classifies into the categories its roles route.
type Department string

// Known departments.
const (
	DeptSales      Department = "sales"
	DeptSupport    Department = "support"
	DeptOperations Department = "operations"
	DeptManagement Department = "management"
)

// ScopeAll is the department scope marker for hub mode.
const ScopeAll = "all"

var departments = []Department{DeptSales, DeptSupport, DeptOperations, DeptManagement}

// Departments returns every known department in a stable order.
func Departments() []Department {
	return slices.Clone(departments)
}

// ParseDepartment resolves a department tag. Matching is
// case-insensitive; "service" is accepted as an alias for support and
// "ops" for operations.
func ParseDepartment(s string) (Department, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sales":
		return DeptSales, true
	case "support", "service":
		return DeptSupport, true
	case "operations", "ops":
		return DeptOperations, true
	case "management", "owner":
		return DeptManagement, true
	}
	return "", false
}

// RoleID identifies one of the predefined team roles.
type RoleID string

// Predefined roles.
const (
	RoleSalesManager      RoleID = "sales_manager"
	RoleServiceManager    RoleID = "service_manager"
	RoleOperationsManager RoleID = "operations_manager"
	RoleSupportLead       RoleID = "support_lead"
	RoleOwner             RoleID = "owner"
)

// RoleDefinition is the static metadata for a role: which department
// it belongs to, which primary categories it is routed and the
// keywords the classifier associates with it.
type RoleDefinition struct {
	ID               RoleID
	Label            string
	Department       Department
	RoutedCategories []string
	Keywords         []string
}

var roleOrder = []RoleID{
	RoleSalesManager,
	RoleServiceManager,
	RoleOperationsManager,
	RoleSupportLead,
	RoleOwner,
}

var roleTable = map[RoleID]RoleDefinition{
	RoleSalesManager: {
		ID:               RoleSalesManager,
		Label:            "Sales Manager",
		Department:       DeptSales,
		RoutedCategories: []string{CategorySales},
		Keywords:         []string{"quote", "estimate", "pricing", "new customer", "consultation", "proposal", "installation"},
	},
	RoleServiceManager: {
		ID:               RoleServiceManager,
		Label:            "Service Manager",
		Department:       DeptSupport,
		RoutedCategories: []string{CategorySupport, CategoryUrgent},
		Keywords:         []string{"repair", "service call", "appointment", "not working", "leak", "breakdown", "emergency"},
	},
	RoleOperationsManager: {
		ID:               RoleOperationsManager,
		Label:            "Operations Manager",
		Department:       DeptOperations,
		RoutedCategories: []string{CategorySuppliers, CategoryBanking},
		Keywords:         []string{"order", "invoice", "delivery", "inventory", "vendor", "shipment", "payment"},
	},
	RoleSupportLead: {
		ID:               RoleSupportLead,
		Label:            "Support Lead",
		Department:       DeptSupport,
		RoutedCategories: []string{CategorySupport, CategoryGoogleReview},
		Keywords:         []string{"question", "how do I", "warranty", "follow up", "review", "feedback"},
	},
	RoleOwner: {
		ID:               RoleOwner,
		Label:            "Owner",
		Department:       DeptManagement,
		RoutedCategories: []string{CategoryManager, CategoryRecruitment, CategoryBanking},
		Keywords:         []string{"partnership", "legal", "complaint escalation", "hiring", "strategy", "accounting"},
	},
}

// Role returns the static definition for id.
func Role(id RoleID) (RoleDefinition, bool) {
	def, ok := roleTable[id]
	return def, ok
}

// RoleIDs returns every predefined role in a stable order.
func RoleIDs() []RoleID {
	return slices.Clone(roleOrder)
}

// ParseRole resolves a role id, accepting a few common spellings
// ("sales", "service", "ops", "support-lead").
func ParseRole(s string) (RoleID, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	switch key {
	case "sales_manager", "sales":
		return RoleSalesManager, true
	case "service_manager", "service", "support":
		return RoleServiceManager, true
	case "operations_manager", "operations", "ops":
		return RoleOperationsManager, true
	case "support_lead", "lead":
		return RoleSupportLead, true
	case "owner", "manager", "owner_manager":
		return RoleOwner, true
	}
	return "", false
}

// RolesForDepartments returns the roles that belong to any of the given
// departments, in table order.
func RolesForDepartments(depts []Department) []RoleID {
	var out []RoleID
	for _, id := range roleOrder {
		if slices.Contains(depts, roleTable[id].Department) {
			out = append(out, id)
		}
	}
	return out
}

// RoutedCategories returns the sorted union of primary categories routed
// to the given roles.
func RoutedCategories(roles []RoleID) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range roles {
		for _, c := range roleTable[id].RoutedCategories {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return out
}

// departmentsRouting returns the departments whose roles route the
// given primary category.
func departmentsRouting(primary string) map[Department]bool {
	out := make(map[Department]bool)
	for _, id := range roleOrder {
		def := roleTable[id]
		if slices.Contains(def.RoutedCategories, primary) {
			out[def.Department] = true
		}
	}
	return out
}
