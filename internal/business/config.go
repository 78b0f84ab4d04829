// Package business resolves a business's stored configuration into the
// normalized, strongly typed [Configuration] every other component
// consumes. Stored records are versioned YAML documents; validation
// happens once, here, and downstream code never sees raw input.
package business

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/nugget/mailroom/internal/taxonomy"
)

// SchemaVersion is the newest stored configuration schema this package
// understands. Records written without a version are treated as v1.
const SchemaVersion = 1

// Raw is a business configuration record as stored. Field names are the
// persistence format; see [Resolve] for the normalization rules.
type Raw struct {
	SchemaVersion   int           `yaml:"schema_version"`
	BusinessID      string        `yaml:"business_id"`
	Name            string        `yaml:"name"`
	IndustryTypes   []string      `yaml:"industry_types"`
	DepartmentScope []string      `yaml:"department_scope"`
	Team            []RawManager  `yaml:"team"`
	Suppliers       []RawSupplier `yaml:"suppliers"`

	// SuppliersVCard names a vCard directory export, relative to the
	// configuration file, whose cards are merged into Suppliers.
	SuppliersVCard string `yaml:"suppliers_vcard,omitempty"`
}

// RawManager is a stored team member.
type RawManager struct {
	Name           string   `yaml:"name"`
	Email          string   `yaml:"email"`
	Roles          []string `yaml:"roles"`
	ForwardEnabled bool     `yaml:"forward_enabled"`
}

// RawSupplier is a stored supplier directory entry.
type RawSupplier struct {
	Name    string   `yaml:"name"`
	Email   string   `yaml:"email,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
}

// Configuration is the resolved configuration of one business.
type Configuration struct {
	BusinessID string
	Name       string

	// IndustryTypes are the trimmed, deduplicated industry names as
	// configured. Industries holds their resolved taxonomy extensions.
	IndustryTypes []string
	Industries    []taxonomy.Extension

	// DepartmentScope is empty in hub mode.
	DepartmentScope []taxonomy.Department

	Team      []Manager
	Suppliers []Supplier
}

// Manager is a team member with at least one role.
type Manager struct {
	Name           string
	Email          string
	Roles          []taxonomy.RoleID
	ForwardEnabled bool
}

// Supplier is a vendor the business receives mail from.
type Supplier struct {
	Name    string
	Domains []string
}

// HubMode reports whether the configuration is unrestricted.
func (c *Configuration) HubMode() bool {
	return len(c.DepartmentScope) == 0
}

// ScopeLabels returns the department scope as stored tags: ["all"] in
// hub mode, department names otherwise.
func (c *Configuration) ScopeLabels() []string {
	if c.HubMode() {
		return []string{taxonomy.ScopeAll}
	}
	out := make([]string, len(c.DepartmentScope))
	for i, d := range c.DepartmentScope {
		out[i] = string(d)
	}
	return out
}

// InScope reports whether d is active for this deployment.
func (c *Configuration) InScope(d taxonomy.Department) bool {
	return c.HubMode() || slices.Contains(c.DepartmentScope, d)
}

// TaxonomySpec returns the input the taxonomy builder needs.
func (c *Configuration) TaxonomySpec() taxonomy.Spec {
	spec := taxonomy.Spec{Industries: c.IndustryTypes}
	for _, m := range c.Team {
		spec.Managers = append(spec.Managers, taxonomy.ManagerRef{Name: m.Name, Roles: m.Roles})
	}
	for _, s := range c.Suppliers {
		spec.Suppliers = append(spec.Suppliers, s.Name)
	}
	return spec
}

// Taxonomy builds the business's category tree.
func (c *Configuration) Taxonomy() []taxonomy.Node {
	return taxonomy.Build(c.TaxonomySpec())
}

// ConfigurationError reports stored configuration that cannot be
// resolved. It is fatal to the operation that needed the configuration.
type ConfigurationError struct {
	BusinessID string
	Field      string
	Reason     string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("business %s: invalid configuration: %s", e.BusinessID, e.Reason)
	}
	return fmt.Sprintf("business %s: invalid configuration: %s: %s", e.BusinessID, e.Field, e.Reason)
}

// Resolve validates and normalizes a stored record.
//
// Industry types are trimmed and deduplicated; at least one is required
// (unknown names resolve to the general extension). A department scope
// that is empty or contains "all" means hub mode. Manager emails are
// lowercased and managers sharing an email (or, without one, a name)
// are merged. Every manager needs at least one known role. Supplier
// domains come from the domains list or the supplier's email address.
func Resolve(raw Raw) (*Configuration, error) {
	id := strings.TrimSpace(raw.BusinessID)
	cerr := func(field, format string, args ...any) error {
		return &ConfigurationError{BusinessID: id, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if id == "" {
		return nil, cerr("business_id", "required")
	}
	if raw.SchemaVersion > SchemaVersion {
		return nil, cerr("schema_version", "version %d is newer than supported version %d", raw.SchemaVersion, SchemaVersion)
	}
	if raw.SchemaVersion < 0 {
		return nil, cerr("schema_version", "must not be negative")
	}

	cfg := &Configuration{
		BusinessID: id,
		Name:       strings.TrimSpace(raw.Name),
	}

	seenIndustry := make(map[string]bool)
	for _, it := range raw.IndustryTypes {
		it = strings.TrimSpace(it)
		if it == "" || seenIndustry[strings.ToLower(it)] {
			continue
		}
		seenIndustry[strings.ToLower(it)] = true
		cfg.IndustryTypes = append(cfg.IndustryTypes, it)
	}
	if len(cfg.IndustryTypes) == 0 {
		return nil, cerr("industry_types", "at least one industry type is required")
	}
	cfg.Industries = cfg.TaxonomySpec().Extensions()

	scope, err := resolveScope(raw.DepartmentScope)
	if err != nil {
		return nil, cerr("department_scope", "%v", err)
	}
	cfg.DepartmentScope = scope

	team, err := resolveTeam(raw.Team)
	if err != nil {
		return nil, cerr("team", "%v", err)
	}
	cfg.Team = team

	suppliers, err := resolveSuppliers(raw.Suppliers)
	if err != nil {
		return nil, cerr("suppliers", "%v", err)
	}
	cfg.Suppliers = suppliers

	return cfg, nil
}

func resolveScope(tags []string) ([]taxonomy.Department, error) {
	var out []taxonomy.Department
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if strings.EqualFold(tag, taxonomy.ScopeAll) {
			return nil, nil
		}
		d, ok := taxonomy.ParseDepartment(tag)
		if !ok {
			return nil, fmt.Errorf("unknown department %q", tag)
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func resolveTeam(raw []RawManager) ([]Manager, error) {
	var team []Manager
	index := make(map[string]int)

	for i, rm := range raw {
		name := strings.TrimSpace(rm.Name)
		if name == "" {
			return nil, fmt.Errorf("member %d: name is required", i)
		}
		if strings.Contains(name, taxonomy.Separator) {
			return nil, fmt.Errorf("member %q: name must not contain %q", name, taxonomy.Separator)
		}
		email := strings.ToLower(strings.TrimSpace(rm.Email))
		if email != "" {
			addr, err := mail.ParseAddress(email)
			if err != nil {
				return nil, fmt.Errorf("member %q: invalid email %q", name, rm.Email)
			}
			email = addr.Address
		}
		if len(rm.Roles) == 0 {
			return nil, fmt.Errorf("member %q: roles must not be empty", name)
		}
		var roles []taxonomy.RoleID
		for _, r := range rm.Roles {
			id, ok := taxonomy.ParseRole(r)
			if !ok {
				return nil, fmt.Errorf("member %q: unknown role %q", name, r)
			}
			if !slices.Contains(roles, id) {
				roles = append(roles, id)
			}
		}

		key := email
		if key == "" {
			key = "name:" + strings.ToLower(name)
		}
		if j, ok := index[key]; ok {
			m := &team[j]
			for _, id := range roles {
				if !slices.Contains(m.Roles, id) {
					m.Roles = append(m.Roles, id)
				}
			}
			m.ForwardEnabled = m.ForwardEnabled || rm.ForwardEnabled
			continue
		}
		index[key] = len(team)
		team = append(team, Manager{
			Name:           name,
			Email:          email,
			Roles:          roles,
			ForwardEnabled: rm.ForwardEnabled,
		})
	}
	return team, nil
}

func resolveSuppliers(raw []RawSupplier) ([]Supplier, error) {
	var out []Supplier
	index := make(map[string]int)

	for i, rs := range raw {
		name := strings.TrimSpace(rs.Name)
		if name == "" {
			return nil, fmt.Errorf("supplier %d: name is required", i)
		}
		if strings.Contains(name, taxonomy.Separator) {
			return nil, fmt.Errorf("supplier %q: name must not contain %q", name, taxonomy.Separator)
		}

		var domains []string
		for _, d := range rs.Domains {
			if d = normalizeDomain(d); d != "" && !slices.Contains(domains, d) {
				domains = append(domains, d)
			}
		}
		if len(domains) == 0 && rs.Email != "" {
			if d := domainOf(rs.Email); d != "" {
				domains = append(domains, d)
			}
		}

		key := strings.ToLower(name)
		if j, ok := index[key]; ok {
			for _, d := range domains {
				if !slices.Contains(out[j].Domains, d) {
					out[j].Domains = append(out[j].Domains, d)
				}
			}
			continue
		}
		index[key] = len(out)
		out = append(out, Supplier{Name: name, Domains: domains})
	}
	return out, nil
}

// normalizeDomain reduces "https://www.Example.com/path", "@example.com"
// and "user@example.com" to "example.com".
func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/:?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.Trim(s, ".")
}

func domainOf(email string) string {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return ""
	}
	return normalizeDomain(addr.Address)
}
